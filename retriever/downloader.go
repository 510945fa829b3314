package retriever

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

const (
	fetchPriorityLow = iota + 1
	fetchPriorityHigh
)

// ErrDownloaderClosed is returned by a Downloader after Close.
var ErrDownloaderClosed = errors.New("downloader closed")

type (
	fetchPriority int8

	pieceResponse struct {
		ch   chan struct{}
		data []byte
		err  error

		cid       cid.Cid
		client    string
		opts      FetchOptions
		priority  fetchPriority
		index     int
		timestamp time.Time
	}

	priorityQueue []*pieceResponse

	// A Downloader bounds the number of in-flight piece fetches of a
	// PieceRetriever. Concurrent requests for the same piece share one
	// fetch and completed pieces are kept in memory.
	Downloader struct {
		r       PieceRetriever
		log     *zap.Logger
		timeout time.Duration

		ch     chan struct{}
		cancel context.CancelFunc

		mu     sync.Mutex // protects the fields below
		closed bool
		cache  *lru.TwoQueueCache[string, *pieceResponse]
		queue  *priorityQueue
	}
)

var _ PieceRetriever = (*Downloader)(nil)

func (fp fetchPriority) String() string {
	switch fp {
	case fetchPriorityLow:
		return "low"
	case fetchPriorityHigh:
		return "high"
	default:
		panic("invalid fetch priority")
	}
}

func (h priorityQueue) Len() int { return len(h) }

func (h priorityQueue) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h priorityQueue) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityQueue) Push(t any) {
	n := len(*h)
	task := t.(*pieceResponse)
	task.index = n
	*h = append(*h, task)
}

func (h *priorityQueue) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

var _ heap.Interface = &priorityQueue{}

func (pr *pieceResponse) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pr.ch:
	}
	return pr.data, pr.err
}

func pieceKey(c cid.Cid, client string, opts FetchOptions) string {
	return c.String() + "/" + client + "/" + opts.ProviderAddress
}

func (d *Downloader) doFetchTask(ctx context.Context, task *pieceResponse, log *zap.Logger) {
	log = log.Named("doFetchTask").With(zap.Stringer("pieceCID", task.cid), zap.Stringer("priority", task.priority))

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := d.r.FetchPiece(ctx, task.cid, task.client, task.opts)
	if err != nil {
		log.Debug("failed to fetch piece", zap.Error(err))
		task.err = err
		d.cache.Remove(pieceKey(task.cid, task.client, task.opts))
		close(task.ch)
		return
	}
	log.Debug("fetched piece", zap.Int("size", len(data)), zap.Duration("elapsed", time.Since(start)))
	task.data = data
	close(task.ch)
}

func (d *Downloader) getResponse(c cid.Cid, client string, opts FetchOptions, priority fetchPriority) (*pieceResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDownloaderClosed
	}
	key := pieceKey(c, client, opts)

	if task, ok := d.cache.Get(key); ok {
		d.log.Debug("cache hit", zap.String("key", key))
		// update the priority if the task is still queued
		if task.priority < priority && task.index != -1 {
			task.priority = priority
			heap.Fix(d.queue, task.index)
		}
		return task, nil
	}
	task := &pieceResponse{
		cid:       c,
		client:    client,
		opts:      opts,
		priority:  priority,
		timestamp: time.Now(),
		ch:        make(chan struct{}),
	}
	d.cache.Add(key, task)
	heap.Push(d.queue, task)
	go func() {
		d.ch <- struct{}{}
	}()
	return task, nil
}

func (d *Downloader) fetchWorker(ctx context.Context, n int) {
	log := d.log.Named("worker").With(zap.Int("id", n))
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ch:
		}

		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			continue
		}

		task := heap.Pop(d.queue).(*pieceResponse)
		log := log.With(zap.Stringer("pieceCID", task.cid), zap.Stringer("priority", task.priority))
		log.Debug("popped task from queue")
		d.mu.Unlock()
		d.doFetchTask(ctx, task, log)
	}
}

// FetchPiece implements PieceRetriever. The piece is fetched ahead of any
// prefetches.
func (d *Downloader) FetchPiece(ctx context.Context, pieceCID cid.Cid, client string, opts FetchOptions) ([]byte, error) {
	resp, err := d.getResponse(pieceCID, client, opts, fetchPriorityHigh)
	if err != nil {
		return nil, err
	}
	return resp.wait(ctx)
}

// Prefetch queues pieces to be fetched when a worker is idle.
func (d *Downloader) Prefetch(pieceCIDs []cid.Cid, client string, opts FetchOptions) error {
	for _, c := range pieceCIDs {
		if _, err := d.getResponse(c, client, opts, fetchPriorityLow); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the workers. Queued fetches fail with ErrDownloaderClosed.
func (d *Downloader) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.cancel()
	for d.queue.Len() > 0 {
		task := heap.Pop(d.queue).(*pieceResponse)
		task.err = ErrDownloaderClosed
		close(task.ch)
	}
	d.cache.Purge()
	return nil
}

// NewDownloader wraps r with a pool of workers fetching at most workers
// pieces at a time. At most cacheSize pieces are kept in memory and each
// fetch is bounded by timeout. A zero timeout disables the bound.
func NewDownloader(r PieceRetriever, workers, cacheSize int, timeout time.Duration, log *zap.Logger) (*Downloader, error) {
	if workers <= 0 {
		return nil, errors.New("downloader needs at least one worker")
	}
	cache, err := lru.New2Q[string, *pieceResponse](cacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		r:       r,
		log:     log.Named("downloader"),
		timeout: timeout,
		cancel:  cancel,
		cache:   cache,
		queue:   &priorityQueue{},

		ch: make(chan struct{}, workers),
	}
	heap.Init(d.queue)
	for i := 0; i < workers; i++ {
		go d.fetchWorker(ctx, i)
	}
	return d, nil
}
