package storage

import (
	"net/http"

	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/resolver"
	"go.pdpstore.dev/synapse/retriever"
	"go.uber.org/zap"
)

type options struct {
	Log        *zap.Logger
	HTTPClient *http.Client

	PDP       []pdp.Option
	Resolver  []resolver.Option
	Retrieval []retriever.Option

	Writers   resolver.WriterFunc
	Retriever retriever.PieceRetriever

	Digester          piece.Digester
	Cache             PieceCache
	Ledger            UploadLedger
	ConfirmAdditions  bool
	UploadConcurrency int
	Excluded          []uint64
}

// An Option configures a Manager.
type Option func(*options)

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithHTTPClient sets the client used to reach providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithPDPOptions adds options to every PDP client.
func WithPDPOptions(opts ...pdp.Option) Option {
	return func(o *options) {
		o.PDP = append(o.PDP, opts...)
	}
}

// WithResolverOptions adds options to the resolver.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(o *options) {
		o.Resolver = append(o.Resolver, opts...)
	}
}

// WithRetrieverOptions adds options to the default retriever.
func WithRetrieverOptions(opts ...retriever.Option) Option {
	return func(o *options) {
		o.Retrieval = append(o.Retrieval, opts...)
	}
}

// WithWriters overrides how data set writes reach a provider. By default
// they go to the provider's PDP service.
func WithWriters(fn resolver.WriterFunc) Option {
	return func(o *options) {
		o.Writers = fn
	}
}

// WithRetriever replaces the default chain retriever.
func WithRetriever(r retriever.PieceRetriever) Option {
	return func(o *options) {
		o.Retriever = r
	}
}

// WithDigester sets the piece commitment digester.
func WithDigester(d piece.Digester) Option {
	return func(o *options) {
		o.Digester = d
	}
}

// WithPieceCache caches piece identifiers by content.
func WithPieceCache(c PieceCache) Option {
	return func(o *options) {
		o.Cache = c
	}
}

// WithLedger records every completed upload.
func WithLedger(l UploadLedger) Option {
	return func(o *options) {
		o.Ledger = l
	}
}

// WithConfirmAdditions waits for piece additions to be confirmed before an
// upload returns.
func WithConfirmAdditions(confirm bool) Option {
	return func(o *options) {
		o.ConfirmAdditions = confirm
	}
}

// WithUploadConcurrency limits the concurrent uploads of a multi-piece
// upload.
func WithUploadConcurrency(n int) Option {
	return func(o *options) {
		o.UploadConcurrency = n
	}
}

// WithExcludedProviders excludes providers from every resolution.
func WithExcludedProviders(ids ...uint64) Option {
	return func(o *options) {
		o.Excluded = append(o.Excluded, ids...)
	}
}

func defaultWriters(c *http.Client, log *zap.Logger, opts []pdp.Option) resolver.WriterFunc {
	return func(endpoint string) chain.DatasetWriter {
		return newPDPClient(endpoint, c, log, opts)
	}
}

func newPDPClient(endpoint string, c *http.Client, log *zap.Logger, opts []pdp.Option) *pdp.Client {
	return pdp.New(endpoint, append([]pdp.Option{pdp.WithHTTPClient(c), pdp.WithLog(log)}, opts...)...)
}
