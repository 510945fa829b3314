package piece_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/filecoin-project/go-fil-commcid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"go.pdpstore.dev/synapse/piece"
	"lukechampine.com/frand"
)

func v1String(t *testing.T, root [piece.RootSize]byte) string {
	t.Helper()
	c, err := commcid.PieceCommitmentV1ToCID(root[:])
	if err != nil {
		t.Fatal(err)
	}
	return c.String()
}

func TestZeroRootConversion(t *testing.T) {
	var root [piece.RootSize]byte
	v1 := v1String(t, root)
	if !strings.HasPrefix(v1, "baga6ea4seaq") {
		t.Fatalf("unexpected v1 prefix: %s", v1)
	}

	v2, err := piece.ConvertV1ToV2(v1, 128, 256)
	if err != nil {
		t.Fatal(err)
	} else if !strings.HasPrefix(v2, "bafkzcib") {
		t.Fatalf("unexpected v2 prefix: %s", v2)
	}

	decoded, err := piece.DecodeV1RootHash(v2)
	if err != nil {
		t.Fatal(err)
	} else if decoded != root {
		t.Fatalf("expected zero root, got %x", decoded)
	}

	c, err := cid.Decode(v2)
	if err != nil {
		t.Fatal(err)
	} else if c.Prefix().Codec != uint64(multicodec.Raw) {
		t.Fatalf("expected raw codec, got %#x", c.Prefix().Codec)
	} else if c.Prefix().MhType != uint64(multicodec.Fr32Sha256Trunc254Padbintree) {
		t.Fatalf("expected fr32 multihash, got %#x", c.Prefix().MhType)
	}

	v, err := piece.ParseV2(v2)
	if err != nil {
		t.Fatal(err)
	}
	switch {
	case v.Height != 3:
		t.Fatalf("expected height 3, got %d", v.Height)
	case v.Padding != 126:
		t.Fatalf("expected padding 126, got %d", v.Padding)
	case v.PaddedSize != 256:
		t.Fatalf("expected padded size 256, got %d", v.PaddedSize)
	case v.PayloadSize != 128:
		t.Fatalf("expected payload size 128, got %d", v.PayloadSize)
	}
}

func TestRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		var root [piece.RootSize]byte
		frand.Read(root[:])
		padded := uint64(piece.NodeSize) << frand.Intn(30)
		payload := uint64(frand.Intn(int(piece.UnpaddedSize(padded)) + 1))

		v1 := v1String(t, root)
		got, err := piece.DecodeV1RootHash(v1)
		if err != nil {
			t.Fatal(err)
		} else if got != root {
			t.Fatalf("root mismatch: %x != %x", got, root)
		}

		a, err := piece.EncodeV2(root, payload, padded)
		if err != nil {
			t.Fatal(err)
		}
		b, err := piece.EncodeV2(root, payload, padded)
		if err != nil {
			t.Fatal(err)
		} else if a != b {
			t.Fatalf("encoding is not deterministic: %s != %s", a, b)
		}

		v, err := piece.ParseV2(a)
		if err != nil {
			t.Fatal(err)
		} else if v.Root != root || v.PayloadSize != payload || v.PaddedSize != padded {
			t.Fatalf("unexpected parse result %+v (payload %d, padded %d)", v, payload, padded)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	var root [piece.RootSize]byte
	tests := []struct {
		payload, padded uint64
		err             error
	}{
		{0, 0, piece.ErrInvalidLeafCount},
		{0, 96, piece.ErrInvalidLeafCount},
		{0, 100, piece.ErrInvalidLeafCount},
		{255, 256, piece.ErrNegativePadding},
	}
	for _, test := range tests {
		_, err := piece.EncodeV2(root, test.payload, test.padded)
		if !errors.Is(err, test.err) {
			t.Fatalf("payload %d padded %d: expected %v, got %v", test.payload, test.padded, test.err, err)
		}
		var fe *piece.FormatError
		if !errors.As(err, &fe) {
			t.Fatalf("expected FormatError, got %T", err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	encode := func(b []byte) string {
		s, err := multibase.Encode(multibase.Base32, b)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	var root [piece.RootSize]byte
	v1 := v1String(t, root)

	tests := []struct {
		input string
		err   error
	}{
		{"", piece.ErrInvalidMultibase},
		{strings.ToUpper(v1), piece.ErrInvalidMultibase},
		{"z" + v1[1:], piece.ErrInvalidMultibase},
		{"b!!!!", piece.ErrInvalidMultibase},
		{encode([]byte{0}), piece.ErrUnexpectedVersion},
		{encode([]byte{1, 0x81}), piece.ErrTruncatedVarint},
		{encode([]byte{1, 0x55, 0x91, 0x20, 0x22, 0x00}), piece.ErrInvalidDigest},
		{v1[:len(v1)-8], piece.ErrInvalidDigest},
	}
	for _, test := range tests {
		_, err := piece.DecodeV1RootHash(test.input)
		if !errors.Is(err, test.err) {
			t.Fatalf("%q: expected %v, got %v", test.input, test.err, err)
		}
	}

	if _, err := piece.ParseV2(v1); !errors.Is(err, piece.ErrUnexpectedCodec) {
		t.Fatalf("expected codec error parsing v1 as v2, got %v", err)
	}
}

func TestCalculate(t *testing.T) {
	data := frand.Bytes(1024)
	info, err := piece.Calculate(piece.CommPDigester{}, data)
	if err != nil {
		t.Fatal(err)
	}
	switch {
	case info.PayloadSize != 1024:
		t.Fatalf("expected payload size 1024, got %d", info.PayloadSize)
	case info.PaddedSize != 2048:
		t.Fatalf("expected padded size 2048, got %d", info.PaddedSize)
	case info.UnpaddedSize != 2032:
		t.Fatalf("expected unpadded size 2032, got %d", info.UnpaddedSize)
	}

	v1Root, err := piece.DecodeV1RootHash(info.PieceCIDV1.String())
	if err != nil {
		t.Fatal(err)
	}
	v2Root, err := piece.DecodeV1RootHash(info.PieceCID.String())
	if err != nil {
		t.Fatal(err)
	} else if v1Root != v2Root {
		t.Fatal("v1 and v2 roots differ")
	}

	if err := piece.Verify(piece.CommPDigester{}, info.PieceCID, data); err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xFF
	if err := piece.Verify(piece.CommPDigester{}, info.PieceCID, data); err == nil {
		t.Fatal("expected verification to fail for modified data")
	}
}
