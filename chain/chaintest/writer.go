package chaintest

import (
	"context"
	"fmt"
	"sync"

	"go.pdpstore.dev/synapse/chain"
)

// A Writer is an in-memory chain.DatasetWriter that records created data
// sets on its Chain.
type Writer struct {
	c *Chain

	// ExistingID makes creation report a conflict naming this data set.
	ExistingID uint64
	// ConflictWithoutID makes creation report a conflict without an id.
	ConflictWithoutID bool
	// KeyConflict makes every write fail with an idempotency conflict.
	KeyConflict bool

	mu      sync.Mutex
	pending map[string]string
	keys    []string
	added   map[uint64][]string
}

// NewWriter returns a Writer backed by c.
func (c *Chain) NewWriter() *Writer {
	return &Writer{
		c:       c,
		pending: make(map[string]string),
		added:   make(map[uint64][]string),
	}
}

// Keys returns the idempotency keys received, in order.
func (w *Writer) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.keys...)
}

// Pieces returns the pieces added to a data set.
func (w *Writer) Pieces(id uint64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.added[id]...)
}

// CreateDataSet implements chain.DatasetWriter.
func (w *Writer) CreateDataSet(_ context.Context, req chain.CreateDataSetRequest) (chain.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, req.IdempotencyKey)
	switch {
	case w.KeyConflict:
		return chain.WriteResult{}, &chain.IdempotencyConflictError{Key: req.IdempotencyKey}
	case w.ExistingID != 0:
		return chain.WriteResult{Status: chain.StatusAlreadyExists, ExistingID: w.ExistingID}, nil
	case w.ConflictWithoutID:
		return chain.WriteResult{Status: chain.StatusAlreadyExists, Message: "data set already exists"}, nil
	}
	tx := randomTx()
	w.pending[tx] = req.ExtraData
	return chain.WriteResult{Status: chain.StatusSubmitted, TxHash: tx}, nil
}

// WaitForDataSetCreation implements chain.DatasetWriter.
func (w *Writer) WaitForDataSetCreation(_ context.Context, txHash string) (uint64, error) {
	w.mu.Lock()
	extraData, ok := w.pending[txHash]
	delete(w.pending, txHash)
	w.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("creation %s: %w", txHash, chain.ErrNotFound)
	}

	w.c.mu.Lock()
	w.c.nextID++
	id := w.c.nextID
	w.c.mu.Unlock()
	if !w.c.record(id, extraData) {
		return 0, fmt.Errorf("unknown extra data %q", extraData)
	}
	return id, nil
}

// AddPieces implements chain.DatasetWriter.
func (w *Writer) AddPieces(_ context.Context, req chain.AddPiecesRequest) (chain.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, req.IdempotencyKey)
	if w.KeyConflict {
		return chain.WriteResult{}, &chain.IdempotencyConflictError{Key: req.IdempotencyKey}
	}
	for _, p := range req.Pieces {
		w.added[req.DataSetID] = append(w.added[req.DataSetID], p.String())
	}
	w.c.addPieces(req.DataSetID, len(req.Pieces))
	return chain.WriteResult{Status: chain.StatusSubmitted, TxHash: randomTx()}, nil
}

// WaitForPieceAddition implements chain.DatasetWriter.
func (w *Writer) WaitForPieceAddition(_ context.Context, dataSetID uint64, _ string) (chain.AdditionStatus, error) {
	ok := true
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.added[dataSetID])
	return chain.AdditionStatus{AddMessageOK: &ok, PieceCount: 1, ConfirmedPieceIDs: []uint64{uint64(n - 1)}}, nil
}

// Track wraps a writer so that data sets it creates are recorded on c with
// the id the writer reports.
func (c *Chain) Track(w chain.DatasetWriter) chain.DatasetWriter {
	return &tracker{DatasetWriter: w, c: c, pending: make(map[string]string)}
}

type tracker struct {
	chain.DatasetWriter
	c *Chain

	mu      sync.Mutex
	pending map[string]string
}

func (t *tracker) CreateDataSet(ctx context.Context, req chain.CreateDataSetRequest) (chain.WriteResult, error) {
	res, err := t.DatasetWriter.CreateDataSet(ctx, req)
	if err == nil && res.Status == chain.StatusSubmitted {
		t.mu.Lock()
		t.pending[res.TxHash] = req.ExtraData
		t.mu.Unlock()
	}
	return res, err
}

func (t *tracker) WaitForDataSetCreation(ctx context.Context, txHash string) (uint64, error) {
	id, err := t.DatasetWriter.WaitForDataSetCreation(ctx, txHash)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	extraData := t.pending[txHash]
	t.mu.Unlock()
	t.c.record(id, extraData)
	return id, nil
}

func (t *tracker) AddPieces(ctx context.Context, req chain.AddPiecesRequest) (chain.WriteResult, error) {
	res, err := t.DatasetWriter.AddPieces(ctx, req)
	if err == nil && res.Status == chain.StatusSubmitted {
		t.c.addPieces(req.DataSetID, len(req.Pieces))
	}
	return res, err
}
