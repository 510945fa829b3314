package retriever_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/retriever"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

// gatedRetriever records fetches. When gate is non-nil every fetch waits
// for a value on it.
type gatedRetriever struct {
	gate chan struct{}

	mu    sync.Mutex
	calls []cid.Cid
	fail  map[cid.Cid]bool
}

func (g *gatedRetriever) FetchPiece(ctx context.Context, c cid.Cid, _ string, _ retriever.FetchOptions) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	fail := g.fail[c]
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("piece not found")
	}
	return c.Bytes(), nil
}

func (g *gatedRetriever) called() []cid.Cid {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cid.Cid(nil), g.calls...)
}

func (g *gatedRetriever) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(g.called()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d fetches, got %d", n, len(g.called()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func randomPieceCID(t *testing.T) cid.Cid {
	t.Helper()
	info, err := piece.Calculate(piece.CommPDigester{}, frand.Bytes(512))
	if err != nil {
		t.Fatal(err)
	}
	return info.PieceCID
}

func TestDownloaderSharesFetches(t *testing.T) {
	g := &gatedRetriever{gate: make(chan struct{})}
	d, err := retriever.NewDownloader(g, 2, 10, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c := randomPieceCID(t)
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := d.FetchPiece(context.Background(), c, "0xalice", retriever.FetchOptions{})
			if err == nil && string(data) != string(c.Bytes()) {
				err = errors.New("data mismatch")
			}
			errs <- err
		}()
	}
	g.waitCalls(t, 1)
	close(g.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	// completed pieces are served from memory
	if _, err := d.FetchPiece(context.Background(), c, "0xalice", retriever.FetchOptions{}); err != nil {
		t.Fatal(err)
	} else if n := len(g.called()); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}

	// a different client is a different fetch
	if _, err := d.FetchPiece(context.Background(), c, "0xbob", retriever.FetchOptions{}); err != nil {
		t.Fatal(err)
	} else if n := len(g.called()); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestDownloaderRetriesFailures(t *testing.T) {
	c := randomPieceCID(t)
	g := &gatedRetriever{fail: map[cid.Cid]bool{c: true}}
	d, err := retriever.NewDownloader(g, 1, 10, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	for i := 1; i <= 2; i++ {
		if _, err := d.FetchPiece(context.Background(), c, "0xalice", retriever.FetchOptions{}); err == nil {
			t.Fatal("expected fetch to fail")
		} else if n := len(g.called()); n != i {
			t.Fatalf("expected %d fetches, got %d", i, n)
		}
	}
}

func TestDownloaderNoTimeout(t *testing.T) {
	g := &gatedRetriever{}
	d, err := retriever.NewDownloader(g, 1, 10, 0, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c := randomPieceCID(t)
	data, err := d.FetchPiece(context.Background(), c, "0xalice", retriever.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	} else if string(data) != string(c.Bytes()) {
		t.Fatal("data mismatch")
	}
}

func TestDownloaderPriority(t *testing.T) {
	g := &gatedRetriever{gate: make(chan struct{})}
	d, err := retriever.NewDownloader(g, 1, 10, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	a, b, c := randomPieceCID(t), randomPieceCID(t), randomPieceCID(t)
	done := make(chan error, 2)
	go func() {
		_, err := d.FetchPiece(context.Background(), a, "0xalice", retriever.FetchOptions{})
		done <- err
	}()
	g.waitCalls(t, 1)

	// b is queued before c but c is requested directly
	if err := d.Prefetch([]cid.Cid{b}, "0xalice", retriever.FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	go func() {
		_, err := d.FetchPiece(context.Background(), c, "0xalice", retriever.FetchOptions{})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		g.gate <- struct{}{}
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	calls := g.called()
	if len(calls) != 3 || !calls[0].Equals(a) || !calls[1].Equals(c) || !calls[2].Equals(b) {
		t.Fatalf("unexpected fetch order %v", calls)
	}
}

func TestDownloaderClose(t *testing.T) {
	g := &gatedRetriever{gate: make(chan struct{})}
	d, err := retriever.NewDownloader(g, 1, 10, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	a := randomPieceCID(t)
	done := make(chan error, 1)
	go func() {
		_, err := d.FetchPiece(context.Background(), a, "0xalice", retriever.FetchOptions{})
		done <- err
	}()
	g.waitCalls(t, 1)

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected in-flight fetch to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight fetch was not cancelled")
	}

	if _, err := d.FetchPiece(context.Background(), randomPieceCID(t), "0xalice", retriever.FetchOptions{}); !errors.Is(err, retriever.ErrDownloaderClosed) {
		t.Fatalf("expected ErrDownloaderClosed, got %v", err)
	}
}
