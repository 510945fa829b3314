package badger_test

import (
	"context"
	"path/filepath"
	"testing"

	"go.pdpstore.dev/synapse/persist/badger"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/storage"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/blake3"
	"lukechampine.com/frand"
)

var _ storage.PieceCache = (*badger.Store)(nil)

func TestPieceInfo(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pieces")
	db, err := badger.OpenDatabase(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	data := frand.Bytes(1024)
	key := blake3.Sum256(data)
	if _, ok, err := db.PieceInfo(key); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected cache miss")
	}

	info, err := piece.Calculate(piece.CommPDigester{}, data)
	if err != nil {
		t.Fatal(err)
	} else if err := db.AddPieceInfo(key, info); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.PieceInfo(key)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected cache hit")
	} else if !got.PieceCID.Equals(info.PieceCID) || !got.PieceCIDV1.Equals(info.PieceCIDV1) {
		t.Fatalf("expected %v, got %v", info.PieceCID, got.PieceCID)
	} else if got.PayloadSize != info.PayloadSize || got.PaddedSize != info.PaddedSize || got.UnpaddedSize != info.UnpaddedSize {
		t.Fatalf("size mismatch: %+v != %+v", got, info)
	}

	// the cache survives a restart
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db, err = badger.OpenDatabase(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, ok, err := db.PieceInfo(key); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected cache hit after reopening")
	}
}

func TestPieceInfos(t *testing.T) {
	db, err := badger.OpenDatabase(t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		data := frand.Bytes(512 + i)
		info, err := piece.Calculate(piece.CommPDigester{}, data)
		if err != nil {
			t.Fatal(err)
		} else if err := db.AddPieceInfo(blake3.Sum256(data), info); err != nil {
			t.Fatal(err)
		}
		want[info.PieceCID.String()] = true
	}

	var n int
	for info := range db.PieceInfos(context.Background()) {
		if !want[info.PieceCID.String()] {
			t.Fatalf("unexpected piece %v", info.PieceCID)
		}
		n++
	}
	if n != len(want) {
		t.Fatalf("expected %d pieces, got %d", len(want), n)
	}
}
