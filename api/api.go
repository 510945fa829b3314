// Package api contains the types and client of the synapsed HTTP API.
package api

import (
	"time"

	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/storage"
)

type (
	// StateResponse is the response body of [GET] /state.
	StateResponse struct {
		Address   string    `json:"address"`
		Network   string    `json:"network"`
		ChainID   uint64    `json:"chainId"`
		Version   string    `json:"version"`
		Commit    string    `json:"commit"`
		BuildTime time.Time `json:"buildTime"`
		StartTime time.Time `json:"startTime"`

		// DefaultContext is the binding uploads without an explicit
		// provider or data set go to, if one has been resolved.
		DefaultContext *ContextInfo `json:"defaultContext,omitempty"`
	}

	// ContextInfo describes a resolved storage context.
	ContextInfo struct {
		DataSetID       uint64            `json:"dataSetId"`
		ClientDataSetID uint64            `json:"clientDataSetId"`
		Provider        chain.Provider    `json:"provider"`
		Endpoint        string            `json:"endpoint"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}

	// UploadOptions are the query parameters of [POST] /upload.
	UploadOptions struct {
		ProviderID      uint64
		ProviderAddress string
		DataSetID       uint64
		WithCDN         bool
		ForceCreate     bool
		// Metadata is the data set metadata.
		Metadata map[string]string
		// PieceMetadata is recorded with the piece.
		PieceMetadata map[string]string
	}

	// ConvertRequest is the request body of [POST] /pieces/convert.
	ConvertRequest struct {
		PieceCIDV1  string `json:"pieceCidV1"`
		PayloadSize uint64 `json:"payloadSize"`
		PaddedSize  uint64 `json:"paddedSize"`
	}

	// ConvertResponse is the response body of [POST] /pieces/convert.
	ConvertResponse struct {
		PieceCID string `json:"pieceCid"`
	}

	// UploadResponse is the response body of [POST] /upload.
	UploadResponse = storage.UploadResult

	// An UploadEntry is a recorded upload.
	UploadEntry = storage.Upload
)
