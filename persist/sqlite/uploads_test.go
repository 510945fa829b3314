package sqlite_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.pdpstore.dev/synapse/persist/sqlite"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/storage"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

var _ storage.UploadLedger = (*sqlite.Store)(nil)

func randomUpload(t testing.TB, dataSetID uint64) storage.Upload {
	t.Helper()
	info, err := piece.Calculate(piece.CommPDigester{}, frand.Bytes(256+frand.Intn(1024)))
	if err != nil {
		t.Fatal(err)
	}
	return storage.Upload{
		PieceCID:    info.PieceCID,
		PieceCIDV1:  info.PieceCIDV1,
		PayloadSize: info.PayloadSize,
		PaddedSize:  info.PaddedSize,
		DataSetID:   dataSetID,
		ProviderID:  3,
		TxHash:      fmt.Sprintf("0x%x", frand.Bytes(32)),
		Timestamp:   time.Now().Truncate(time.Second),
	}
}

func TestUploads(t *testing.T) {
	log := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "synapse.sqlite3")
	db, err := sqlite.OpenDatabase(path, log.Named("sqlite3"))
	if err != nil {
		t.Fatal(err)
	}

	var recorded []storage.Upload
	for i := 0; i < 10; i++ {
		u := randomUpload(t, uint64(100+i%2))
		if err := db.AddUpload(u); err != nil {
			t.Fatal(err)
		}
		recorded = append(recorded, u)
	}

	uploads, err := db.Uploads(0, 100)
	if err != nil {
		t.Fatal(err)
	} else if len(uploads) != len(recorded) {
		t.Fatalf("expected %d uploads, got %d", len(recorded), len(uploads))
	}
	for i, u := range uploads {
		want := recorded[i]
		switch {
		case !u.PieceCID.Equals(want.PieceCID), !u.PieceCIDV1.Equals(want.PieceCIDV1):
			t.Fatalf("upload %d: expected %v, got %v", i, want.PieceCID, u.PieceCID)
		case u.PayloadSize != want.PayloadSize, u.PaddedSize != want.PaddedSize:
			t.Fatalf("upload %d: size mismatch", i)
		case u.DataSetID != want.DataSetID, u.ProviderID != want.ProviderID, u.TxHash != want.TxHash:
			t.Fatalf("upload %d: expected %+v, got %+v", i, want, u)
		case !u.Timestamp.Equal(want.Timestamp):
			t.Fatalf("upload %d: expected timestamp %v, got %v", i, want.Timestamp, u.Timestamp)
		}
	}

	page, err := db.Uploads(8, 5)
	if err != nil {
		t.Fatal(err)
	} else if len(page) != 2 || !page[0].PieceCID.Equals(recorded[8].PieceCID) {
		t.Fatalf("unexpected page %+v", page)
	}
	if page, err := db.Uploads(10, 5); err != nil {
		t.Fatal(err)
	} else if page != nil {
		t.Fatalf("expected no uploads, got %d", len(page))
	}

	byDataSet, err := db.DataSetUploads(101, 0, 100)
	if err != nil {
		t.Fatal(err)
	} else if len(byDataSet) != 5 {
		t.Fatalf("expected 5 uploads, got %d", len(byDataSet))
	}
	for _, u := range byDataSet {
		if u.DataSetID != 101 {
			t.Fatalf("unexpected data set %d", u.DataSetID)
		}
	}

	// a piece can be uploaded more than once
	again := recorded[3]
	again.TxHash = ""
	if err := db.AddUpload(again); err != nil {
		t.Fatal(err)
	}
	byPiece, err := db.PieceUploads(again.PieceCID)
	if err != nil {
		t.Fatal(err)
	} else if len(byPiece) != 2 || byPiece[1].TxHash != "" {
		t.Fatalf("unexpected piece uploads %+v", byPiece)
	}

	// reopening keeps the schema and the data
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db, err = sqlite.OpenDatabase(path, log.Named("sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if uploads, err := db.Uploads(0, 100); err != nil {
		t.Fatal(err)
	} else if len(uploads) != 11 {
		t.Fatalf("expected 11 uploads, got %d", len(uploads))
	}
}

func BenchmarkAddUpload(b *testing.B) {
	db, err := sqlite.OpenDatabase(filepath.Join(b.TempDir(), "synapse.sqlite3"), zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	u := randomUpload(b, 1)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := db.AddUpload(u); err != nil {
			b.Fatal(err)
		}
	}
}
