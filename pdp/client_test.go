package pdp_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/pdp/pdptest"
	"go.pdpstore.dev/synapse/piece"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

func newClient(t *testing.T, s *pdptest.Server) *pdp.Client {
	return pdp.New(s.URL,
		pdp.WithLog(zaptest.NewLogger(t)),
		pdp.WithCreationPolling(10*time.Millisecond, 5*time.Second),
		pdp.WithAdditionPolling(10*time.Millisecond, 5*time.Second),
		pdp.WithPieceWait(500*time.Millisecond, 50*time.Millisecond))
}

func TestCreateDataSet(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()
	s.CreationPolls = 2
	c := newClient(t, s)

	req := chain.CreateDataSetRequest{RecordKeeper: "0xkeeper", ExtraData: "0x01", IdempotencyKey: "key"}
	res, err := c.CreateDataSet(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	} else if res.Status != chain.StatusSubmitted {
		t.Fatalf("expected submitted, got %v", res.Status)
	} else if len(res.TxHash) != 66 {
		t.Fatalf("unexpected tx hash %q", res.TxHash)
	}

	id, err := c.WaitForDataSetCreation(context.Background(), res.TxHash)
	if err != nil {
		t.Fatal(err)
	} else if id != 1 {
		t.Fatalf("expected data set 1, got %d", id)
	}

	// same key, different payload
	req.ExtraData = "0x02"
	_, err = c.CreateDataSet(context.Background(), req)
	var ice *chain.IdempotencyConflictError
	if !errors.As(err, &ice) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	} else if ice.Key != "key" {
		t.Fatalf("expected key in error, got %q", ice.Key)
	}
}

func TestCreateDataSetConflict(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()
	c := newClient(t, s)

	s.ExistingDataSetID = 456
	res, err := c.CreateDataSet(context.Background(), chain.CreateDataSetRequest{})
	if err != nil {
		t.Fatal(err)
	} else if res.Status != chain.StatusAlreadyExists || res.ExistingID != 456 {
		t.Fatalf("expected existing data set 456, got %+v", res)
	}

	s.ExistingDataSetID = 0
	s.ConflictWithoutID = true
	res, err = c.CreateDataSet(context.Background(), chain.CreateDataSetRequest{})
	if err != nil {
		t.Fatal(err)
	} else if res.Status != chain.StatusAlreadyExists || res.ExistingID != 0 {
		t.Fatalf("expected conflict without id, got %+v", res)
	}
}

func TestCreationTimeout(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()
	s.CreationPolls = 1 << 30

	c := pdp.New(s.URL, pdp.WithCreationPolling(5*time.Millisecond, 50*time.Millisecond))
	res, err := c.CreateDataSet(context.Background(), chain.CreateDataSetRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.WaitForDataSetCreation(context.Background(), res.TxHash); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := c.WaitForDataSetCreation(context.Background(), "0xunknown"); err == nil {
		t.Fatal("expected unknown creation to time out")
	}
}

func TestUploadAndAdd(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()
	c := newClient(t, s)
	ctx := context.Background()

	data := frand.Bytes(4096)
	info, err := piece.Calculate(piece.CommPDigester{}, data)
	if err != nil {
		t.Fatal(err)
	}

	if ok, err := c.HasPiece(ctx, info.PieceCID); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("piece should not exist yet")
	}
	if _, err := c.DownloadPiece(ctx, info.PieceCID); !errors.Is(err, pdp.ErrPieceNotFound) {
		t.Fatalf("expected ErrPieceNotFound, got %v", err)
	}
	if err := c.WaitForPiece(ctx, info.PieceCID); !errors.Is(err, pdp.ErrPieceNotFound) {
		t.Fatalf("expected wait to time out with ErrPieceNotFound, got %v", err)
	}

	if err := c.UploadPiece(ctx, data, info.PieceCID, info.PaddedSize); err != nil {
		t.Fatal(err)
	} else if err := c.WaitForPiece(ctx, info.PieceCID); err != nil {
		t.Fatal(err)
	}
	got, err := c.DownloadPiece(ctx, info.PieceCID)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, data) {
		t.Fatal("downloaded data does not match")
	}

	res, err := c.CreateDataSet(ctx, chain.CreateDataSetRequest{})
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.WaitForDataSetCreation(ctx, res.TxHash)
	if err != nil {
		t.Fatal(err)
	}

	add := chain.AddPiecesRequest{DataSetID: id, Pieces: []cid.Cid{info.PieceCID}, IdempotencyKey: "add"}
	res, err = c.AddPieces(ctx, add)
	if err != nil {
		t.Fatal(err)
	} else if res.Status != chain.StatusSubmitted {
		t.Fatalf("expected submitted, got %+v", res)
	}
	status, err := c.WaitForPieceAddition(ctx, id, res.TxHash)
	if err != nil {
		t.Fatal(err)
	} else if len(status.ConfirmedPieceIDs) != 1 || status.ConfirmedPieceIDs[0] != 0 {
		t.Fatalf("unexpected confirmed pieces %v", status.ConfirmedPieceIDs)
	}

	// the same add again reports the pieces as existing
	add.IdempotencyKey = "add2"
	res, err = c.AddPieces(ctx, add)
	if err != nil {
		t.Fatal(err)
	} else if res.Status != chain.StatusAlreadyExists || res.ExistingID != id {
		t.Fatalf("expected already exists in data set %d, got %+v", id, res)
	}
	if pieces := s.DataSetPieces(id); len(pieces) != 1 || pieces[0] != info.PieceCID.String() {
		t.Fatalf("unexpected data set pieces %v", pieces)
	}
}

func TestUploadFinalizeSize(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()
	c := newClient(t, s)

	data := frand.Bytes(1000)
	info, err := piece.Calculate(piece.CommPDigester{}, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPiece(context.Background(), data, info.PieceCID, info.PaddedSize); err != nil {
		t.Fatal(err)
	} else if size := s.FinalizedSize(info.PieceCID.String()); size != info.PaddedSize {
		t.Fatalf("expected finalized size %d, got %d", info.PaddedSize, size)
	} else if info.PaddedSize != 1024 {
		t.Fatalf("expected padded size 1024, got %d", info.PaddedSize)
	}
}

func TestPing(t *testing.T) {
	s := pdptest.NewServer()
	c := newClient(t, s)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatal(err)
	} else if s.Pings() != 1 {
		t.Fatalf("expected 1 ping, got %d", s.Pings())
	}
	s.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after close")
	}
}
