package piece

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMultibase is returned when an identifier is not lower-case
	// base32 with a "b" multibase prefix.
	ErrInvalidMultibase = errors.New("invalid multibase prefix")
	// ErrTruncatedVarint is returned when a varint field runs past the end of
	// the identifier or is not minimally encoded.
	ErrTruncatedVarint = errors.New("truncated varint")
	// ErrInvalidLeafCount is returned when paddedSize/32 is zero or not a
	// power of two.
	ErrInvalidLeafCount = errors.New("leaf count is not a power of two")
	// ErrNegativePadding is returned when the payload does not fit in the
	// unpadded size.
	ErrNegativePadding = errors.New("payload size exceeds unpadded size")
	// ErrInvalidDigest is returned when a digest is shorter than a root hash
	// or its declared length does not match.
	ErrInvalidDigest = errors.New("invalid digest")
	// ErrUnexpectedVersion is returned for identifiers that are not CIDv1.
	ErrUnexpectedVersion = errors.New("unexpected CID version")
	// ErrUnexpectedCodec is returned when a v2 identifier carries the wrong
	// codec or multihash code.
	ErrUnexpectedCodec = errors.New("unexpected codec")
)

// A FormatError is returned when identifier bytes are malformed or when a
// size triple cannot be encoded. Err is one of the sentinel errors above.
type FormatError struct {
	Op     string // "encode" or "decode"
	Input  string
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("piece: failed to %s", e.Op)
	if e.Input != "" {
		msg += fmt.Sprintf(" %q", e.Input)
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func encodeErr(err error, format string, args ...any) error {
	return &FormatError{Op: "encode", Detail: fmt.Sprintf(format, args...), Err: err}
}

func decodeErr(input string, err error, format string, args ...any) error {
	return &FormatError{Op: "decode", Input: input, Detail: fmt.Sprintf(format, args...), Err: err}
}
