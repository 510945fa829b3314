// Package piece computes and converts the content identifiers of data
// pieces.
package piece

import (
	"bytes"
	"fmt"
	"io"

	"github.com/filecoin-project/go-fil-commcid"
	commp "github.com/filecoin-project/go-fil-commp-hashhash"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
)

type (
	// A Commitment is the output of a Digester: the piece root and its
	// size triple.
	Commitment struct {
		Root         [RootSize]byte
		PayloadSize  uint64
		UnpaddedSize uint64
		PaddedSize   uint64
	}

	// Info identifies an uploaded piece. It is computed once per upload and
	// is cacheable by content.
	Info struct {
		PieceCID     cid.Cid `json:"pieceCid"`
		PieceCIDV1   cid.Cid `json:"pieceCidV1"`
		PayloadSize  uint64  `json:"payloadSize"`
		UnpaddedSize uint64  `json:"unpaddedSize"`
		PaddedSize   uint64  `json:"paddedSize"`
	}
)

// A Digester streams data and returns its piece commitment.
type Digester interface {
	Digest(r io.Reader) (Commitment, error)
}

// CommPDigester computes commitments in process.
type CommPDigester struct{}

// Digest implements Digester.
func (CommPDigester) Digest(r io.Reader) (Commitment, error) {
	cp := new(commp.Calc)
	n, err := io.Copy(cp, r)
	if err != nil {
		return Commitment{}, fmt.Errorf("failed to read payload: %w", err)
	}
	raw, padded, err := cp.Digest()
	if err != nil {
		return Commitment{}, fmt.Errorf("failed to compute commitment: %w", err)
	}
	size := abi.PaddedPieceSize(padded)
	if err := size.Validate(); err != nil {
		return Commitment{}, fmt.Errorf("invalid padded size %d: %w", padded, err)
	}
	c := Commitment{
		PayloadSize:  uint64(n),
		UnpaddedSize: uint64(size.Unpadded()),
		PaddedSize:   padded,
	}
	copy(c.Root[:], raw)
	return c, nil
}

// NewInfo derives both identifiers of a commitment.
func NewInfo(c Commitment) (Info, error) {
	v1, err := commcid.PieceCommitmentV1ToCID(c.Root[:])
	if err != nil {
		return Info{}, fmt.Errorf("failed to build v1 identifier: %w", err)
	}
	v2, err := ConvertV1ToV2(v1.String(), c.PayloadSize, c.PaddedSize)
	if err != nil {
		return Info{}, err
	}
	pc, err := cid.Decode(v2)
	if err != nil {
		return Info{}, fmt.Errorf("failed to parse v2 identifier %q: %w", v2, err)
	}
	return Info{
		PieceCID:     pc,
		PieceCIDV1:   v1,
		PayloadSize:  c.PayloadSize,
		UnpaddedSize: c.UnpaddedSize,
		PaddedSize:   c.PaddedSize,
	}, nil
}

// Calculate digests data and returns its Info.
func Calculate(d Digester, data []byte) (Info, error) {
	c, err := d.Digest(bytes.NewReader(data))
	if err != nil {
		return Info{}, err
	}
	return NewInfo(c)
}

// Verify reports whether data hashes to the piece identified by the v2 CID
// c.
func Verify(d Digester, c cid.Cid, data []byte) error {
	want, err := ParseV2(c.String())
	if err != nil {
		return err
	}
	got, err := d.Digest(bytes.NewReader(data))
	if err != nil {
		return err
	} else if got.Root != want.Root || got.PayloadSize != want.PayloadSize {
		return fmt.Errorf("piece %v: data does not match commitment", c)
	}
	return nil
}
