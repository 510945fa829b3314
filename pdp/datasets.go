package pdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.pdpstore.dev/synapse/chain"
	"go.uber.org/zap"
)

type (
	createDataSetRequest struct {
		RecordKeeper string `json:"recordKeeper"`
		ExtraData    string `json:"extraData"`
	}

	subPiece struct {
		SubPieceCID string `json:"subPieceCid"`
	}

	addPiece struct {
		PieceCID  string     `json:"pieceCid"`
		SubPieces []subPiece `json:"subPieces"`
	}

	addPiecesRequest struct {
		Pieces    []addPiece `json:"pieces"`
		ExtraData string     `json:"extraData"`
	}

	conflictResponse struct {
		ExistingDataSetID json.RawMessage `json:"existingDataSetId"`
		Message           string          `json:"message"`
	}
)

// txHashFromLocation returns the transaction hash that ends a Location
// header.
func txHashFromLocation(resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("missing Location header")
	}
	tx := path.Base(loc)
	if !strings.HasPrefix(tx, "0x") {
		return "", fmt.Errorf("invalid Location header %q", loc)
	}
	return tx, nil
}

// parseID accepts ids encoded as JSON numbers or strings.
func parseID(raw json.RawMessage) uint64 {
	s := strings.Trim(string(raw), `"`)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (c *Client) writeResult(resp *http.Response, key string, existingID uint64) (chain.WriteResult, error) {
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		tx, err := txHashFromLocation(resp)
		if err != nil {
			return chain.WriteResult{}, err
		}
		return chain.WriteResult{Status: chain.StatusSubmitted, TxHash: tx}, nil
	case http.StatusConflict:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var cr conflictResponse
		if err := json.Unmarshal(body, &cr); err == nil {
			if id := parseID(cr.ExistingDataSetID); id != 0 {
				existingID = id
			}
		}
		msg := cr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return chain.WriteResult{Status: chain.StatusAlreadyExists, ExistingID: existingID, Message: msg}, nil
	case http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chain.WriteResult{}, &chain.IdempotencyConflictError{Key: key, Message: strings.TrimSpace(string(body))}
	default:
		return chain.WriteResult{}, readStatusError(resp)
	}
}

// CreateDataSet implements chain.DatasetWriter.
func (c *Client) CreateDataSet(ctx context.Context, req chain.CreateDataSetRequest) (chain.WriteResult, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, c.url("/pdp/data-sets"), createDataSetRequest{
		RecordKeeper: req.RecordKeeper,
		ExtraData:    req.ExtraData,
	}, req.IdempotencyKey)
	if err != nil {
		return chain.WriteResult{}, fmt.Errorf("failed to create data set: %w", err)
	}
	defer drain(resp)
	res, err := c.writeResult(resp, req.IdempotencyKey, 0)
	if err != nil {
		return chain.WriteResult{}, fmt.Errorf("failed to create data set: %w", err)
	}
	return res, nil
}

// DataSetCreationStatus returns the confirmation state of a creation
// transaction. It returns chain.ErrNotFound if the server does not know the
// transaction yet.
func (c *Client) DataSetCreationStatus(ctx context.Context, txHash string) (chain.CreationStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("/pdp/data-sets/created/%s", txHash), nil, nil)
	if err != nil {
		return chain.CreationStatus{}, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return chain.CreationStatus{}, fmt.Errorf("creation %s: %w", txHash, chain.ErrNotFound)
	default:
		return chain.CreationStatus{}, readStatusError(resp)
	}
	var status chain.CreationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return chain.CreationStatus{}, fmt.Errorf("failed to decode creation status: %w", err)
	}
	return status, nil
}

// poll calls fn every interval until it reports done, fn fails with a
// non-transient error or timeout elapses. Calls never overlap.
func poll(ctx context.Context, interval, timeout time.Duration, what string, fn func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTimer(0)
	defer t.Stop()
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("timed out after %v waiting for %s (last error: %v): %w", timeout, what, lastErr, ctx.Err())
			}
			return fmt.Errorf("timed out after %v waiting for %s: %w", timeout, what, ctx.Err())
		case <-t.C:
		}

		done, err := fn(ctx)
		if done {
			return err
		}
		lastErr = err
		t.Reset(interval)
	}
}

// WaitForDataSetCreation implements chain.DatasetWriter.
func (c *Client) WaitForDataSetCreation(ctx context.Context, txHash string) (uint64, error) {
	log := c.log.With(zap.String("txHash", txHash))
	var id uint64
	err := poll(ctx, c.opts.CreationPollInterval, c.opts.CreationTimeout, "data set creation "+txHash, func(ctx context.Context) (bool, error) {
		status, err := c.DataSetCreationStatus(ctx, txHash)
		if err != nil {
			log.Debug("creation status unavailable", zap.Error(err))
			return false, err
		} else if !status.Created {
			log.Debug("data set not yet created", zap.String("message", status.Message))
			return false, nil
		}
		id = status.DataSetID
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddPieces implements chain.DatasetWriter.
func (c *Client) AddPieces(ctx context.Context, req chain.AddPiecesRequest) (chain.WriteResult, error) {
	body := addPiecesRequest{ExtraData: req.ExtraData}
	for _, p := range req.Pieces {
		body.Pieces = append(body.Pieces, addPiece{
			PieceCID:  p.String(),
			SubPieces: []subPiece{{SubPieceCID: p.String()}},
		})
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.url("/pdp/data-sets/%d/pieces", req.DataSetID), body, req.IdempotencyKey)
	if err != nil {
		return chain.WriteResult{}, fmt.Errorf("failed to add pieces to data set %d: %w", req.DataSetID, err)
	}
	defer drain(resp)
	res, err := c.writeResult(resp, req.IdempotencyKey, req.DataSetID)
	if err != nil {
		return chain.WriteResult{}, fmt.Errorf("failed to add pieces to data set %d: %w", req.DataSetID, err)
	}
	return res, nil
}

// PieceAdditionStatus returns the confirmation state of a piece addition.
func (c *Client) PieceAdditionStatus(ctx context.Context, dataSetID uint64, txHash string) (chain.AdditionStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("/pdp/data-sets/%d/pieces/added/%s", dataSetID, txHash), nil, nil)
	if err != nil {
		return chain.AdditionStatus{}, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return chain.AdditionStatus{}, fmt.Errorf("addition %s: %w", txHash, chain.ErrNotFound)
	default:
		return chain.AdditionStatus{}, readStatusError(resp)
	}
	var status chain.AdditionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return chain.AdditionStatus{}, fmt.Errorf("failed to decode addition status: %w", err)
	}
	return status, nil
}

// WaitForPieceAddition implements chain.DatasetWriter.
func (c *Client) WaitForPieceAddition(ctx context.Context, dataSetID uint64, txHash string) (chain.AdditionStatus, error) {
	var status chain.AdditionStatus
	err := poll(ctx, c.opts.AdditionPollInterval, c.opts.AdditionTimeout, "piece addition "+txHash, func(ctx context.Context) (bool, error) {
		s, err := c.PieceAdditionStatus(ctx, dataSetID, txHash)
		if err != nil || s.AddMessageOK == nil {
			return false, err
		} else if !*s.AddMessageOK {
			return true, fmt.Errorf("piece addition %s to data set %d failed: %s", txHash, dataSetID, s.Message)
		}
		status = s
		return true, nil
	})
	return status, err
}

var _ chain.DatasetWriter = (*Client)(nil)
