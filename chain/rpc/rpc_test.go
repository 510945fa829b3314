package rpc_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/chain/chaintest"
	"go.pdpstore.dev/synapse/chain/rpc"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/resolver"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

func startGateway(t *testing.T, c *chaintest.Chain, token string) string {
	t.Helper()
	srv := httptest.NewServer(rpc.NewHandler(c, c, c, token))
	t.Cleanup(srv.Close)
	return srv.URL + "/rpc/v0"
}

func dial(t *testing.T, addr, token string) *rpc.Client {
	t.Helper()
	client, err := rpc.Dial(context.Background(), addr, token)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestReader(t *testing.T) {
	c := chaintest.New("0xAlice")
	c.AddProvider(chain.Provider{ID: 1, ServiceAddress: "0xsp1", PayeeAddress: "0xpayee1", IsActive: true},
		chain.PDPOffering{ServiceURL: "https://sp1.example", MinPieceSize: 127, MaxPieceSize: 1 << 30}, true)
	c.AddDataSet(chain.DataSet{
		ID:               7,
		ClientDataSetID:  1,
		ProviderID:       1,
		Payer:            "0xAlice",
		Payee:            "0xpayee1",
		Metadata:         map[string]string{chain.MetadataWithCDN: ""},
		IsLive:           true,
		IsManaged:        true,
		ActivePieceCount: 3,
	})
	client := dial(t, startGateway(t, c, ""), "")

	if client.Address() != "0xAlice" {
		t.Fatalf("unexpected address %q", client.Address())
	}

	ctx := context.Background()
	ds, err := client.DataSet(ctx, 7)
	if err != nil {
		t.Fatal(err)
	} else if ds.ActivePieceCount != 3 || ds.ProviderID != 1 || !ds.IsLive {
		t.Fatalf("unexpected data set %+v", ds)
	}
	md, err := client.DataSetMetadata(ctx, 7)
	if err != nil {
		t.Fatal(err)
	} else if _, ok := md[chain.MetadataWithCDN]; !ok || len(md) != 1 {
		t.Fatalf("unexpected metadata %v", md)
	}

	if _, err := client.DataSet(ctx, 8); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	} else if _, err := client.Provider(ctx, 9); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	dataSets, err := client.ClientDataSetsWithDetails(ctx, "0xalice")
	if err != nil {
		t.Fatal(err)
	} else if len(dataSets) != 1 || dataSets[0].ID != 7 {
		t.Fatalf("unexpected data sets %+v", dataSets)
	}

	ids, err := client.ApprovedProviderIDs(ctx)
	if err != nil {
		t.Fatal(err)
	} else if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected approved providers %v", ids)
	} else if ok, err := client.IsProviderApproved(ctx, 1); err != nil || !ok {
		t.Fatalf("expected provider 1 to be approved, got %v %v", ok, err)
	}

	p, err := client.ProviderByAddress(ctx, "0xSP1")
	if err != nil {
		t.Fatal(err)
	} else if p.ID != 1 {
		t.Fatalf("unexpected provider %+v", p)
	}
	pp, err := client.ProviderWithProduct(ctx, 1, chain.ProductTypePDP)
	if err != nil {
		t.Fatal(err)
	}
	o, err := chain.DecodePDPOffering(pp)
	if err != nil {
		t.Fatal(err)
	} else if o.ServiceURL != "https://sp1.example" || o.MaxPieceSize != 1<<30 {
		t.Fatalf("unexpected offering %+v", o)
	}
}

func TestSigner(t *testing.T) {
	c := chaintest.New("0xAlice")
	client := dial(t, startGateway(t, c, ""), "")

	info, err := piece.Calculate(piece.CommPDigester{}, frand.Bytes(1024))
	if err != nil {
		t.Fatal(err)
	}
	pieces := []cid.Cid{info.PieceCID}
	metadata := [][]chain.MetadataEntry{chain.SortedMetadata(map[string]string{"a": "1"})}

	want, err := c.SignAddPieces(context.Background(), 1, pieces, metadata)
	if err != nil {
		t.Fatal(err)
	}
	got, err := client.SignAddPieces(context.Background(), 1, pieces, metadata)
	if err != nil {
		t.Fatal(err)
	} else if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestToken(t *testing.T) {
	c := chaintest.New("0xAlice")
	addr := startGateway(t, c, "secret")

	if _, err := rpc.Dial(context.Background(), addr, "wrong"); err == nil {
		t.Fatal("expected error with a wrong token")
	}
	client := dial(t, addr, "secret")
	if client.Address() != "0xAlice" {
		t.Fatalf("unexpected address %q", client.Address())
	}
}

func TestResolveOverGateway(t *testing.T) {
	c := chaintest.New("0xAlice")
	c.AddProvider(chain.Provider{ID: 1, ServiceAddress: "0xsp1", PayeeAddress: "0xpayee1", IsActive: true},
		chain.PDPOffering{ServiceURL: "https://sp1.example"}, true)
	client := dial(t, startGateway(t, c, ""), "")

	w := c.NewWriter()
	r, err := resolver.New(client, client, client, func(string) chain.DatasetWriter { return w },
		resolver.WithLog(zaptest.NewLogger(t)),
		resolver.WithProber(resolver.ProberFunc(func(context.Context, string) error { return nil })),
		resolver.WithLivenessCache(0, 0),
		resolver.WithRecordKeeper("0xwarmstorage"))
	if err != nil {
		t.Fatal(err)
	}

	b, err := r.Bind(context.Background(), resolver.Options{})
	if err != nil {
		t.Fatal(err)
	} else if b.Outcome != resolver.OutcomeCreated || b.Provider.ID != 1 {
		t.Fatalf("unexpected binding %+v", b)
	}

	b2, err := r.Bind(context.Background(), resolver.Options{})
	if err != nil {
		t.Fatal(err)
	} else if b2.Outcome != resolver.OutcomeReused || b2.DataSetID != b.DataSetID {
		t.Fatalf("expected data set %d to be reused, got %+v", b.DataSetID, b2)
	}
}
