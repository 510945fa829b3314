package rpc

import (
	"errors"

	"github.com/filecoin-project/go-jsonrpc"
	"go.pdpstore.dev/synapse/chain"
)

// Error codes of the gateway.
const (
	ENotFound = iota + jsonrpc.FirstUserCode
)

// Errors maps gateway error codes to error types.
var Errors = jsonrpc.NewErrors()

func init() {
	Errors.Register(ENotFound, new(*NotFoundError))
}

// A NotFoundError is returned by the gateway when a data set or provider
// does not exist. It unwraps to chain.ErrNotFound.
type NotFoundError struct{}

func (NotFoundError) Error() string { return chain.ErrNotFound.Error() }

// Unwrap implements errors.Unwrap.
func (NotFoundError) Unwrap() error { return chain.ErrNotFound }

// serverError converts a collaborator error into its wire form.
func serverError(err error) error {
	if errors.Is(err, chain.ErrNotFound) {
		return &NotFoundError{}
	}
	return err
}
