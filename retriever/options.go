package retriever

import (
	"net/http"
	"time"

	"go.pdpstore.dev/synapse/piece"
	"go.uber.org/zap"
)

type options struct {
	HTTPClient *http.Client
	Log        *zap.Logger

	Parallel bool
	Timeout  time.Duration
	Verifier piece.Digester
	Fallback PieceRetriever

	CacheSize int
	CacheTTL  time.Duration
}

// An Option configures a ChainRetriever.
type Option func(*options)

// WithHTTPClient sets the client used to reach providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithParallel sets whether candidates are raced (the default) or tried in
// order.
func WithParallel(parallel bool) Option {
	return func(o *options) {
		o.Parallel = parallel
	}
}

// WithTimeout bounds a whole fetch, including every candidate and the
// fallback. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.Timeout = d
	}
}

// WithVerification checks downloaded bytes against the piece CID using d.
func WithVerification(d piece.Digester) Option {
	return func(o *options) {
		o.Verifier = d
	}
}

// WithFallback sets the retriever used when no candidate has the piece.
func WithFallback(r PieceRetriever) Option {
	return func(o *options) {
		o.Fallback = r
	}
}

// WithEndpointCache caches provider endpoints for ttl. A zero size
// disables the cache.
func WithEndpointCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.CacheSize = size
		o.CacheTTL = ttl
	}
}
