package chain

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// WriteStatus is the outcome of a data set write.
type WriteStatus uint8

// Write statuses.
const (
	StatusSubmitted WriteStatus = iota + 1
	StatusAlreadyExists
)

type (
	// CreateDataSetRequest creates a data set on a provider.
	CreateDataSetRequest struct {
		RecordKeeper   string
		ExtraData      string
		IdempotencyKey string
	}

	// AddPiecesRequest records pieces in a data set.
	AddPiecesRequest struct {
		DataSetID      uint64
		Pieces         []cid.Cid
		ExtraData      string
		IdempotencyKey string
	}

	// A WriteResult is the typed result of a write. Submitted carries the
	// transaction hash; AlreadyExists carries the id of the existing
	// resource when the server reported one.
	WriteResult struct {
		Status     WriteStatus
		TxHash     string
		ExistingID uint64
		Message    string
	}

	// CreationStatus is the confirmation state of a data set creation.
	CreationStatus struct {
		Created   bool   `json:"dataSetCreated"`
		DataSetID uint64 `json:"dataSetId"`
		Message   string `json:"message"`
	}

	// AdditionStatus is the confirmation state of a piece addition.
	AdditionStatus struct {
		AddMessageOK      *bool    `json:"addMessageOk"`
		PieceCount        uint64   `json:"pieceCount"`
		ConfirmedPieceIDs []uint64 `json:"confirmedPieceIds"`
		Message           string   `json:"message"`
	}
)

// DatasetWriter submits data set writes. Implementations return an
// *IdempotencyConflictError when the key was used for a different payload.
type DatasetWriter interface {
	CreateDataSet(ctx context.Context, req CreateDataSetRequest) (WriteResult, error)
	// WaitForDataSetCreation polls until the creation transaction is
	// confirmed and returns the new data set id.
	WaitForDataSetCreation(ctx context.Context, txHash string) (uint64, error)
	AddPieces(ctx context.Context, req AddPiecesRequest) (WriteResult, error)
	WaitForPieceAddition(ctx context.Context, dataSetID uint64, txHash string) (AdditionStatus, error)
}

// An AlreadyExistsError is returned when a write conflicted with an
// existing resource that could not be resolved.
type AlreadyExistsError struct {
	Resource   string
	ExistingID uint64
	Message    string
}

func (e *AlreadyExistsError) Error() string {
	msg := e.Resource + " already exists"
	if e.ExistingID != 0 {
		msg += fmt.Sprintf(" (id %d)", e.ExistingID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// An IdempotencyConflictError is returned when an idempotency key was
// already used with a different payload. It must not be retried.
type IdempotencyConflictError struct {
	Key     string
	Message string
}

func (e *IdempotencyConflictError) Error() string {
	msg := fmt.Sprintf("idempotency key %q conflicts with a different request", e.Key)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
