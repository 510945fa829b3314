package pdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const uploadsPath = "/pdp/piece/uploads/"

type finalizeRequest struct {
	PieceCID string `json:"pieceCid"`
	Size     uint64 `json:"size"`
}

func uploadIDFromLocation(loc string) (uuid.UUID, error) {
	i := strings.LastIndex(loc, uploadsPath)
	if i < 0 {
		return uuid.UUID{}, fmt.Errorf("invalid Location header %q", loc)
	}
	id, err := uuid.Parse(strings.Trim(loc[i+len(uploadsPath):], "/"))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid upload id in Location header %q: %w", loc, err)
	}
	return id, nil
}

// UploadPiece uploads data to the provider and finalizes it under pieceCID
// with its padded size. The piece is not yet part of a data set.
func (c *Client) UploadPiece(ctx context.Context, data []byte, pieceCID cid.Cid, paddedSize uint64) error {
	log := c.log.With(zap.Stringer("pieceCID", pieceCID))

	resp, err := c.do(ctx, http.MethodPost, c.url("/pdp/piece/uploads"), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to create upload session: %w", &StatusError{Code: resp.StatusCode})
	}
	id, err := uploadIDFromLocation(resp.Header.Get("Location"))
	if err != nil {
		return err
	}
	log = log.With(zap.Stringer("session", id))

	start := time.Now()
	resp, err = c.do(ctx, http.MethodPut, c.url(uploadsPath+"%s", id), bytes.NewReader(data), http.Header{
		"Content-Type": []string{"application/octet-stream"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload piece: %w", err)
	} else if resp.StatusCode != http.StatusNoContent {
		defer drain(resp)
		return fmt.Errorf("failed to upload piece: %w", readStatusError(resp))
	}
	drain(resp)

	resp, err = c.doJSON(ctx, http.MethodPost, c.url(uploadsPath+"%s", id), finalizeRequest{PieceCID: pieceCID.String(), Size: paddedSize}, "")
	if err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to finalize upload: %w", readStatusError(resp))
	}
	log.Debug("uploaded piece", zap.Int("size", len(data)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// FindPiece returns nil if the provider has the piece and ErrPieceNotFound
// if it does not.
func (c *Client) FindPiece(ctx context.Context, pieceCID cid.Cid) error {
	u := c.url("/pdp/piece?pieceCid=%s", url.QueryEscape(pieceCID.String()))
	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%v: %w", pieceCID, ErrPieceNotFound)
	default:
		return readStatusError(resp)
	}
}

// HasPiece reports whether the provider has the piece.
func (c *Client) HasPiece(ctx context.Context, pieceCID cid.Cid) (bool, error) {
	err := c.FindPiece(ctx, pieceCID)
	if errors.Is(err, ErrPieceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WaitForPiece waits until the provider reports the piece as findable.
func (c *Client) WaitForPiece(ctx context.Context, pieceCID cid.Cid) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PieceTimeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    c.opts.PiecePollMin,
		Max:    c.opts.PiecePollMax,
		Factor: 2,
	}
	var lastErr error
	for {
		err := c.FindPiece(ctx, pieceCID)
		if err == nil {
			return nil
		} else if ctx.Err() == nil {
			lastErr = err
		}
		c.log.Debug("piece not yet findable", zap.Stringer("pieceCID", pieceCID), zap.Error(err))

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("timed out after %v waiting for piece %v: %w", c.opts.PieceTimeout, pieceCID, lastErr)
		case <-time.After(b.Duration()):
		}
	}
}

// DownloadPiece returns the bytes of a piece.
func (c *Client) DownloadPiece(ctx context.Context, pieceCID cid.Cid) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("/pdp/piece/%s", pieceCID), nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%v: %w", pieceCID, ErrPieceNotFound)
	default:
		return nil, readStatusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read piece %v: %w", pieceCID, err)
	}
	return data, nil
}

// PieceURL returns the public retrieval URL of a piece on this provider.
func (c *Client) PieceURL(pieceCID cid.Cid) string {
	return c.url("/piece/%s", pieceCID)
}
