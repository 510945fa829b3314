package piece

import (
	"math/bits"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

const (
	// NodeSize is the size of a leaf of the piece merkle tree.
	NodeSize = 32
	// RootSize is the size of a piece commitment.
	RootSize = 32

	// maxHeight keeps 32<<height within a uint64.
	maxHeight = 58
)

// A V2 is a decoded PieceCIDv2.
type V2 struct {
	Root        [RootSize]byte
	Padding     uint64
	Height      uint8
	PaddedSize  uint64
	PayloadSize uint64
}

// UnpaddedSize returns floor(padded * 127 / 128) without overflowing.
func UnpaddedSize(padded uint64) uint64 {
	return padded/128*127 + (padded%128)*127/128
}

// TreeHeight returns log2(padded/32), failing if the leaf count is zero or
// not a power of two.
func TreeHeight(padded uint64) (uint8, error) {
	if padded%NodeSize != 0 {
		return 0, encodeErr(ErrInvalidLeafCount, "padded size %d is not a multiple of %d", padded, NodeSize)
	}
	leaves := padded / NodeSize
	if leaves == 0 || leaves&(leaves-1) != 0 {
		return 0, encodeErr(ErrInvalidLeafCount, "padded size %d has %d leaves", padded, leaves)
	}
	return uint8(bits.TrailingZeros64(leaves)), nil
}

// EncodeV2 builds the PieceCIDv2 string of a piece with the given root,
// payload size and padded size.
func EncodeV2(root [RootSize]byte, payloadSize, paddedSize uint64) (string, error) {
	height, err := TreeHeight(paddedSize)
	if err != nil {
		return "", err
	}
	unpadded := UnpaddedSize(paddedSize)
	if payloadSize > unpadded {
		return "", encodeErr(ErrNegativePadding, "payload %d, unpadded %d", payloadSize, unpadded)
	}
	padding := unpadded - payloadSize

	digest := make([]byte, 0, varint.UvarintSize(padding)+1+RootSize)
	digest = append(digest, varint.ToUvarint(padding)...)
	digest = append(digest, height)
	digest = append(digest, root[:]...)

	buf := make([]byte, 0, 8+len(digest))
	buf = append(buf, 1)
	buf = append(buf, varint.ToUvarint(uint64(multicodec.Raw))...)
	buf = append(buf, varint.ToUvarint(uint64(multicodec.Fr32Sha256Trunc254Padbintree))...)
	buf = append(buf, varint.ToUvarint(uint64(len(digest)))...)
	buf = append(buf, digest...)
	return multibase.Encode(multibase.Base32, buf)
}

// DecodeV1RootHash returns the trailing 32-byte root of a base32 piece
// identifier. Codec and multihash code are skipped, not checked, so v2
// identifiers yield their root as well.
func DecodeV1RootHash(s string) (root [RootSize]byte, err error) {
	if len(s) == 0 || s[0] != byte(multibase.Base32) {
		return root, decodeErr(s, ErrInvalidMultibase, "expected prefix %q", rune(multibase.Base32))
	}
	enc, data, err := multibase.Decode(s)
	if err != nil {
		return root, decodeErr(s, ErrInvalidMultibase, "%v", err)
	} else if enc != multibase.Base32 {
		return root, decodeErr(s, ErrInvalidMultibase, "unexpected encoding %v", enc)
	}
	if len(data) == 0 || data[0] != 1 {
		return root, decodeErr(s, ErrUnexpectedVersion, "")
	}
	rest := data[1:]
	// codec, multihash code
	for i := 0; i < 2; i++ {
		_, n, err := varint.FromUvarint(rest)
		if err != nil {
			return root, decodeErr(s, ErrTruncatedVarint, "%v", err)
		}
		rest = rest[n:]
	}
	length, n, err := varint.FromUvarint(rest)
	if err != nil {
		return root, decodeErr(s, ErrTruncatedVarint, "digest length: %v", err)
	}
	rest = rest[n:]
	if length < RootSize || uint64(len(rest)) != length {
		return root, decodeErr(s, ErrInvalidDigest, "declared %d bytes, have %d", length, len(rest))
	}
	copy(root[:], rest[len(rest)-RootSize:])
	return root, nil
}

// ConvertV1ToV2 converts a PieceCIDv1 to a PieceCIDv2 using the given sizes.
func ConvertV1ToV2(v1 string, payloadSize, paddedSize uint64) (string, error) {
	root, err := DecodeV1RootHash(v1)
	if err != nil {
		return "", err
	}
	return EncodeV2(root, payloadSize, paddedSize)
}

// ParseV2 decodes a PieceCIDv2 into its root and size information.
func ParseV2(s string) (V2, error) {
	var v V2
	c, err := cid.Decode(s)
	if err != nil {
		return v, decodeErr(s, ErrInvalidMultibase, "%v", err)
	}
	prefix := c.Prefix()
	if prefix.Version != 1 {
		return v, decodeErr(s, ErrUnexpectedVersion, "version %d", prefix.Version)
	} else if prefix.Codec != uint64(multicodec.Raw) || prefix.MhType != uint64(multicodec.Fr32Sha256Trunc254Padbintree) {
		return v, decodeErr(s, ErrUnexpectedCodec, "codec %#x, multihash %#x", prefix.Codec, prefix.MhType)
	}
	dmh, err := multihash.Decode(c.Hash())
	if err != nil {
		return v, decodeErr(s, ErrInvalidDigest, "%v", err)
	}
	digest := dmh.Digest
	padding, n, err := varint.FromUvarint(digest)
	if err != nil {
		return v, decodeErr(s, ErrTruncatedVarint, "padding: %v", err)
	}
	digest = digest[n:]
	if len(digest) != 1+RootSize {
		return v, decodeErr(s, ErrInvalidDigest, "%d bytes after padding", len(digest))
	}
	v.Height = digest[0]
	if v.Height > maxHeight {
		return v, decodeErr(s, ErrInvalidLeafCount, "height %d", v.Height)
	}
	copy(v.Root[:], digest[1:])
	v.Padding = padding
	v.PaddedSize = NodeSize << v.Height
	unpadded := UnpaddedSize(v.PaddedSize)
	if padding > unpadded {
		return v, decodeErr(s, ErrNegativePadding, "padding %d, unpadded %d", padding, unpadded)
	}
	v.PayloadSize = unpadded - padding
	return v, nil
}
