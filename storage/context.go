package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/resolver"
	"go.pdpstore.dev/synapse/retriever"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

// Upload size bounds.
const (
	MinUploadSize = 256
	MaxUploadSize = 254 << 20
)

var (
	// ErrUploadTooSmall is returned for uploads below MinUploadSize.
	ErrUploadTooSmall = errors.New("upload is below the minimum size")
	// ErrUploadTooLarge is returned for uploads above MaxUploadSize.
	ErrUploadTooLarge = errors.New("upload exceeds the maximum size")
)

type (
	// PieceOptions apply to the pieces of one upload call.
	PieceOptions struct {
		Metadata map[string]string
		// OnUploadComplete is called once the provider can serve a piece.
		OnUploadComplete func(cid.Cid)
		// OnPiecesAdded is called with the addition transaction, which is
		// empty when the pieces were already in the data set.
		OnPiecesAdded func(txHash string)
	}

	// An UploadResult describes an uploaded piece.
	UploadResult struct {
		PieceCID  cid.Cid `json:"pieceCid"`
		Size      uint64  `json:"size"`
		DataSetID uint64  `json:"dataSetId"`
		// TxHash is empty when the piece was already in the data set.
		TxHash string `json:"txHash,omitempty"`
		// PieceID is set when the addition was confirmed.
		PieceID *uint64 `json:"pieceId,omitempty"`
	}

	// An Upload is a ledger entry of a completed upload.
	Upload struct {
		PieceCID    cid.Cid   `json:"pieceCid"`
		PieceCIDV1  cid.Cid   `json:"pieceCidV1"`
		PayloadSize uint64    `json:"payloadSize"`
		PaddedSize  uint64    `json:"paddedSize"`
		DataSetID   uint64    `json:"dataSetId"`
		ProviderID  uint64    `json:"providerId"`
		TxHash      string    `json:"txHash,omitempty"`
		Timestamp   time.Time `json:"timestamp"`
	}

	// A PieceCache stores piece identifiers keyed by a hash of their
	// content.
	PieceCache interface {
		PieceInfo(key [32]byte) (piece.Info, bool, error)
		AddPieceInfo(key [32]byte, info piece.Info) error
	}

	// An UploadLedger records completed uploads.
	UploadLedger interface {
		AddUpload(Upload) error
	}
)

// A Context binds uploads and downloads to one provider and data set. Its
// binding never changes; its methods are safe for concurrent use.
type Context struct {
	binding resolver.Binding
	payer   string
	network chain.Network

	client *pdp.Client
	writer chain.DatasetWriter
	signer chain.Signer
	log    *zap.Logger

	digester    piece.Digester
	cache       PieceCache
	ledger      UploadLedger
	confirm     bool
	concurrency int
}

// Binding returns the resolved provider and data set.
func (c *Context) Binding() resolver.Binding {
	b := c.binding
	b.Metadata = c.Metadata()
	return b
}

// DataSetID returns the id of the bound data set.
func (c *Context) DataSetID() uint64 { return c.binding.DataSetID }

// ClientDataSetID returns the client-scoped id of the bound data set.
func (c *Context) ClientDataSetID() uint64 { return c.binding.ClientDataSetID }

// Provider returns the bound provider.
func (c *Context) Provider() chain.Provider { return c.binding.Provider }

// Endpoint returns the PDP endpoint of the bound provider.
func (c *Context) Endpoint() string { return c.binding.Endpoint }

// WithCDN reports whether the data set is CDN-enabled.
func (c *Context) WithCDN() bool {
	_, ok := c.binding.Metadata[chain.MetadataWithCDN]
	return ok
}

// Metadata returns a copy of the data set metadata.
func (c *Context) Metadata() map[string]string {
	m := make(map[string]string, len(c.binding.Metadata))
	for k, v := range c.binding.Metadata {
		m[k] = v
	}
	return m
}

func checkSize(n int) error {
	if n < MinUploadSize {
		return fmt.Errorf("%d bytes is below %d bytes: %w", n, MinUploadSize, ErrUploadTooSmall)
	} else if n > MaxUploadSize {
		return fmt.Errorf("%d bytes exceeds %d MiB: %w", n, MaxUploadSize>>20, ErrUploadTooLarge)
	}
	return nil
}

// pieceInfo computes the identifiers of data, consulting the cache first.
// Cache failures are logged and otherwise ignored.
func (c *Context) pieceInfo(data []byte) (piece.Info, error) {
	if c.cache == nil {
		return piece.Calculate(c.digester, data)
	}
	key := blake3.Sum256(data)
	info, ok, err := c.cache.PieceInfo(key)
	if err != nil {
		c.log.Warn("failed to read piece cache", zap.Error(err))
	} else if ok {
		return info, nil
	}
	info, err = piece.Calculate(c.digester, data)
	if err != nil {
		return piece.Info{}, err
	}
	if err := c.cache.AddPieceInfo(key, info); err != nil {
		c.log.Warn("failed to update piece cache", zap.Error(err))
	}
	return info, nil
}

// transfer uploads a piece and waits until the provider can serve it.
func (c *Context) transfer(ctx context.Context, data []byte, info piece.Info, opts PieceOptions) error {
	if err := c.client.UploadPiece(ctx, data, info.PieceCID, info.PaddedSize); err != nil {
		return fmt.Errorf("failed to upload piece %v: %w", info.PieceCID, err)
	} else if err := c.client.WaitForPiece(ctx, info.PieceCID); err != nil {
		return fmt.Errorf("failed to wait for piece %v: %w", info.PieceCID, err)
	}
	if opts.OnUploadComplete != nil {
		opts.OnUploadComplete(info.PieceCID)
	}
	return nil
}

// addPieces records pieces in the bound data set. A piece that is already
// in the data set is not an error; the returned tx hash is then empty.
func (c *Context) addPieces(ctx context.Context, infos []piece.Info, metadata map[string]string, key string) (string, []uint64, error) {
	cids := make([]cid.Cid, len(infos))
	entries := make([][]chain.MetadataEntry, len(infos))
	for i, info := range infos {
		cids[i] = info.PieceCID
		entries[i] = chain.SortedMetadata(metadata)
	}
	extraData, err := c.signer.SignAddPieces(ctx, c.binding.ClientDataSetID, cids, entries)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign piece addition: %w", err)
	}

	res, err := c.writer.AddPieces(ctx, chain.AddPiecesRequest{
		DataSetID:      c.binding.DataSetID,
		Pieces:         cids,
		ExtraData:      extraData,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to add pieces to data set %d: %w", c.binding.DataSetID, err)
	}
	switch res.Status {
	case chain.StatusAlreadyExists:
		c.log.Info("pieces already in data set", zap.Int("pieces", len(cids)), zap.String("message", res.Message))
		return "", nil, nil
	case chain.StatusSubmitted:
	default:
		return "", nil, fmt.Errorf("unexpected write status %d", res.Status)
	}

	if !c.confirm {
		return res.TxHash, nil, nil
	}
	status, err := c.writer.WaitForPieceAddition(ctx, c.binding.DataSetID, res.TxHash)
	if err != nil {
		return "", nil, fmt.Errorf("failed to confirm piece addition %s: %w", res.TxHash, err)
	}
	return res.TxHash, status.ConfirmedPieceIDs, nil
}

func (c *Context) record(info piece.Info, txHash string) {
	if c.ledger == nil {
		return
	}
	err := c.ledger.AddUpload(Upload{
		PieceCID:    info.PieceCID,
		PieceCIDV1:  info.PieceCIDV1,
		PayloadSize: info.PayloadSize,
		PaddedSize:  info.PaddedSize,
		DataSetID:   c.binding.DataSetID,
		ProviderID:  c.binding.Provider.ID,
		TxHash:      txHash,
		Timestamp:   time.Now(),
	})
	if err != nil {
		c.log.Warn("failed to record upload", zap.Stringer("pieceCID", info.PieceCID), zap.Error(err))
	}
}

func (c *Context) result(info piece.Info, txHash string, pieceIDs []uint64, i int) UploadResult {
	res := UploadResult{
		PieceCID:  info.PieceCID,
		Size:      info.PayloadSize,
		DataSetID: c.binding.DataSetID,
		TxHash:    txHash,
	}
	if i < len(pieceIDs) {
		id := pieceIDs[i]
		res.PieceID = &id
	}
	return res
}

// Upload stores data with the bound provider and adds it to the bound data
// set.
func (c *Context) Upload(ctx context.Context, data []byte, opts PieceOptions) (UploadResult, error) {
	if err := checkSize(len(data)); err != nil {
		return UploadResult{}, err
	}
	info, err := c.pieceInfo(data)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to compute piece CID: %w", err)
	}
	log := c.log.With(zap.Stringer("pieceCID", info.PieceCID), zap.Uint64("dataSetID", c.binding.DataSetID))
	start := time.Now()

	if err := c.transfer(ctx, data, info, opts); err != nil {
		return UploadResult{}, err
	}

	key := resolver.IdempotencyKey("add_pieces", strconv.FormatUint(c.binding.DataSetID, 10), info.PieceCID.String(), chain.FormatMetadata(opts.Metadata))
	txHash, pieceIDs, err := c.addPieces(ctx, []piece.Info{info}, opts.Metadata, key)
	if err != nil {
		return UploadResult{}, err
	}
	if opts.OnPiecesAdded != nil {
		opts.OnPiecesAdded(txHash)
	}
	c.record(info, txHash)
	log.Info("uploaded piece", zap.Uint64("size", info.PayloadSize), zap.String("txHash", txHash), zap.Duration("elapsed", time.Since(start)))
	return c.result(info, txHash, pieceIDs, 0), nil
}

// UploadMulti uploads several payloads concurrently and adds them to the
// bound data set in one transaction. Results are in input order.
func (c *Context) UploadMulti(ctx context.Context, data [][]byte, opts PieceOptions) ([]UploadResult, error) {
	if len(data) == 0 {
		return nil, nil
	}
	for i, d := range data {
		if err := checkSize(len(d)); err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
	}

	infos := make([]piece.Info, len(data))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range data {
		i := i
		g.Go(func() error {
			info, err := c.pieceInfo(data[i])
			if err != nil {
				return fmt.Errorf("failed to compute piece CID of payload %d: %w", i, err)
			}
			infos[i] = info
			return c.transfer(gctx, data[i], info, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	args := []string{strconv.FormatUint(c.binding.DataSetID, 10)}
	sorted := make([]string, len(infos))
	for i, info := range infos {
		sorted[i] = info.PieceCID.String()
	}
	sort.Strings(sorted)
	args = append(args, strings.Join(sorted, ":"), chain.FormatMetadata(opts.Metadata))
	key := resolver.IdempotencyKey("add_pieces_batch", args...)

	txHash, pieceIDs, err := c.addPieces(ctx, infos, opts.Metadata, key)
	if err != nil {
		return nil, err
	}
	if opts.OnPiecesAdded != nil {
		opts.OnPiecesAdded(txHash)
	}
	results := make([]UploadResult, len(infos))
	for i, info := range infos {
		c.record(info, txHash)
		results[i] = c.result(info, txHash, pieceIDs, i)
	}
	c.log.Info("uploaded pieces", zap.Int("pieces", len(infos)), zap.Uint64("dataSetID", c.binding.DataSetID), zap.String("txHash", txHash))
	return results, nil
}

// Download returns a piece from the bound provider.
func (c *Context) Download(ctx context.Context, pieceCID cid.Cid) ([]byte, error) {
	return c.client.DownloadPiece(ctx, pieceCID)
}

// HasPiece reports whether the bound provider has a piece.
func (c *Context) HasPiece(ctx context.Context, pieceCID cid.Cid) (bool, error) {
	return c.client.HasPiece(ctx, pieceCID)
}

// WaitForPiece waits until the bound provider can serve a piece.
func (c *Context) WaitForPiece(ctx context.Context, pieceCID cid.Cid) error {
	return c.client.WaitForPiece(ctx, pieceCID)
}

// PieceURL returns the public URL of a piece. Pieces of CDN-enabled data
// sets are served by the network's CDN when it has one.
func (c *Context) PieceURL(pieceCID cid.Cid) string {
	if c.WithCDN() && c.network.FilBeamDomain != "" {
		return retriever.FilBeamURL(c.network.FilBeamDomain)(pieceCID, c.payer)
	}
	return c.client.PieceURL(pieceCID)
}
