package retriever_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/chain/chaintest"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/pdp/pdptest"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/retriever"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

const alice = "0xAlice"

func randomPiece(t *testing.T) (cid.Cid, []byte) {
	t.Helper()
	data := frand.Bytes(1024)
	info, err := piece.Calculate(piece.CommPDigester{}, data)
	if err != nil {
		t.Fatal(err)
	}
	return info.PieceCID, data
}

// setup registers one provider and one live data set per server, in order.
func setup(t *testing.T, n int) (*chaintest.Chain, []*pdptest.Server) {
	t.Helper()
	c := chaintest.New(alice)
	servers := make([]*pdptest.Server, n)
	for i := range servers {
		s := pdptest.NewServer()
		t.Cleanup(s.Close)
		servers[i] = s

		id := uint64(i + 1)
		c.AddProvider(chain.Provider{
			ID:             id,
			ServiceAddress: fmt.Sprintf("0xsp%d", id),
			PayeeAddress:   fmt.Sprintf("0xpayee%d", id),
			IsActive:       true,
		}, chain.PDPOffering{ServiceURL: s.URL}, true)
		c.AddDataSet(chain.DataSet{ID: id, ProviderID: id, Payer: alice, IsLive: true, IsManaged: true, ActivePieceCount: 1})
	}
	return c, servers
}

func newRetriever(t *testing.T, c *chaintest.Chain, opts ...retriever.Option) *retriever.ChainRetriever {
	t.Helper()
	opts = append([]retriever.Option{retriever.WithLog(zaptest.NewLogger(t))}, opts...)
	r, err := retriever.New(c, c, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFetchFromSecondProvider(t *testing.T) {
	c, servers := setup(t, 3)
	pieceCID, data := randomPiece(t)
	servers[1].AddPiece(pieceCID.String(), data)
	r := newRetriever(t, c)

	got, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}

	before := [3]int64{servers[0].PieceRequests(), servers[1].PieceRequests(), servers[2].PieceRequests()}
	got, err = r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{Sequential: true})
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	} else if servers[0].PieceRequests() == before[0] {
		t.Fatal("expected provider 1 to be tried first")
	} else if servers[2].PieceRequests() != before[2] {
		t.Fatal("expected provider 3 not to be tried")
	}
}

func TestRaceCancelsLosers(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	c, servers := setup(t, 3)
	pieceCID, data := randomPiece(t)
	for _, s := range servers {
		s.AddPiece(pieceCID.String(), data)
	}
	servers[0].PieceDelay = 10 * time.Second
	servers[2].PieceDelay = 10 * time.Second

	transport := &http.Transport{}
	r := newRetriever(t, c,
		retriever.WithHTTPClient(&http.Client{Transport: transport}),
		retriever.WithEndpointCache(0, 0))

	start := time.Now()
	got, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	} else if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("race waited for slow providers: %v", elapsed)
	}

	time.Sleep(50 * time.Millisecond)
	requests := servers[0].PieceRequests() + servers[2].PieceRequests()
	time.Sleep(200 * time.Millisecond)
	if n := servers[0].PieceRequests() + servers[2].PieceRequests(); n != requests {
		t.Fatalf("losing providers received %d requests after the race", n-requests)
	} else if servers[0].PieceCompletions() != 0 || servers[2].PieceCompletions() != 0 {
		t.Fatal("losing requests were not cancelled")
	}

	for _, s := range servers {
		s.Close()
	}
	transport.CloseIdleConnections()
	goleak.VerifyNone(t, opt)
}

func TestPieceNotFound(t *testing.T) {
	c, _ := setup(t, 3)
	pieceCID, _ := randomPiece(t)
	r := newRetriever(t, c)

	_, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{})
	var pnfe *retriever.PieceNotFoundError
	if !errors.As(err, &pnfe) {
		t.Fatalf("expected PieceNotFoundError, got %v", err)
	} else if pnfe.Tried != 3 || !pnfe.PieceCID.Equals(pieceCID) {
		t.Fatalf("unexpected error fields %+v", pnfe)
	} else if !errors.Is(err, pdp.ErrPieceNotFound) {
		t.Fatalf("expected per-provider causes, got %v", err)
	} else if !strings.Contains(err.Error(), pieceCID.String()) {
		t.Fatalf("expected piece CID in %q", err)
	}
}

func TestCandidates(t *testing.T) {
	c, servers := setup(t, 3)
	// provider 2 is inactive and provider 3's only data set is empty
	c.AddProvider(chain.Provider{ID: 2, ServiceAddress: "0xsp2", PayeeAddress: "0xpayee2"}, chain.PDPOffering{ServiceURL: servers[1].URL}, true)
	c.SetPieceCount(3, 0)
	// a second data set on provider 1 does not duplicate the candidate
	c.AddDataSet(chain.DataSet{ID: 4, ProviderID: 1, Payer: alice, IsLive: true, ActivePieceCount: 3})
	r := newRetriever(t, c)

	candidates, err := r.Candidates(context.Background(), alice, retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if len(candidates) != 1 || candidates[0].Provider.ID != 1 || candidates[0].Endpoint != servers[0].URL {
		t.Fatalf("unexpected candidates %+v", candidates)
	}

	candidates, err = r.Candidates(context.Background(), alice, retriever.FetchOptions{ProviderAddress: "0xSP3"})
	if err != nil {
		t.Fatal(err)
	} else if len(candidates) != 1 || candidates[0].Provider.ID != 3 {
		t.Fatalf("unexpected candidates %+v", candidates)
	}

	if _, err := r.Candidates(context.Background(), alice, retriever.FetchOptions{ProviderAddress: "0xnobody"}); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExplicitProvider(t *testing.T) {
	c, servers := setup(t, 2)
	pieceCID, data := randomPiece(t)
	servers[0].AddPiece(pieceCID.String(), data)
	servers[1].AddPiece(pieceCID.String(), data)
	r := newRetriever(t, c)

	if _, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{ProviderAddress: "0xsp2"}); err != nil {
		t.Fatal(err)
	} else if servers[0].PieceRequests() != 0 {
		t.Fatal("expected only provider 2 to be queried")
	}
}

func TestFallback(t *testing.T) {
	c := chaintest.New(alice)
	pieceCID, data := randomPiece(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{client}/{cid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("client") != strings.ToLower(alice) || r.PathValue("cid") != pieceCID.String() {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	cdn := httptest.NewServer(mux)
	defer cdn.Close()
	fallback := retriever.NewHTTPRetriever(nil, func(c cid.Cid, client string) string {
		return fmt.Sprintf("%s/%s/%s", cdn.URL, strings.ToLower(client), c)
	}, piece.CommPDigester{})

	var pnfe *retriever.PieceNotFoundError
	if _, err := newRetriever(t, c).FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{}); !errors.As(err, &pnfe) {
		t.Fatalf("expected PieceNotFoundError, got %v", err)
	} else if pnfe.Tried != 0 {
		t.Fatalf("expected no candidates, got %d", pnfe.Tried)
	}

	r := newRetriever(t, c, retriever.WithFallback(fallback))
	got, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}

	other, _ := randomPiece(t)
	if _, err := r.FetchPiece(context.Background(), other, alice, retriever.FetchOptions{}); !errors.As(err, &pnfe) {
		t.Fatalf("expected PieceNotFoundError, got %v", err)
	} else if !strings.Contains(err.Error(), "fallback") {
		t.Fatalf("expected fallback failure in %q", err)
	}
}

func TestVerification(t *testing.T) {
	c, servers := setup(t, 1)
	pieceCID, _ := randomPiece(t)
	servers[0].AddPiece(pieceCID.String(), frand.Bytes(1024))

	if _, err := newRetriever(t, c).FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	r := newRetriever(t, c, retriever.WithVerification(piece.CommPDigester{}))
	var pnfe *retriever.PieceNotFoundError
	if _, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{}); !errors.As(err, &pnfe) {
		t.Fatalf("expected PieceNotFoundError, got %v", err)
	}
}

func TestTimeoutBoundsRace(t *testing.T) {
	c, servers := setup(t, 2)
	pieceCID, data := randomPiece(t)
	for _, s := range servers {
		s.AddPiece(pieceCID.String(), data)
		s.PieceDelay = 10 * time.Second
	}
	r := newRetriever(t, c, retriever.WithTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := r.FetchPiece(context.Background(), pieceCID, alice, retriever.FetchOptions{})
	var pnfe *retriever.PieceNotFoundError
	if !errors.As(err, &pnfe) {
		t.Fatalf("expected PieceNotFoundError, got %v", err)
	} else if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced: %v", elapsed)
	} else if !strings.Contains(err.Error(), "200ms") {
		t.Fatalf("expected the bound in %q", err)
	}
}

func TestFetchPieces(t *testing.T) {
	c, servers := setup(t, 2)
	cid1, data1 := randomPiece(t)
	cid2, data2 := randomPiece(t)
	servers[0].AddPiece(cid1.String(), data1)
	servers[1].AddPiece(cid2.String(), data2)
	// the first piece is slower so completion order differs from input order
	servers[0].PieceDelay = 200 * time.Millisecond
	r := newRetriever(t, c, retriever.WithParallel(false))

	results, err := retriever.FetchPieces(context.Background(), r, []cid.Cid{cid1, cid2}, alice, retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(results[0], data1) || !bytes.Equal(results[1], data2) {
		t.Fatal("results out of order")
	}

	missing, _ := randomPiece(t)
	if _, err := retriever.FetchPieces(context.Background(), r, []cid.Cid{cid1, missing}, alice, retriever.FetchOptions{}); err == nil {
		t.Fatal("expected error for missing piece")
	}
}
