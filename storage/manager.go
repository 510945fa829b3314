// Package storage binds resolved providers and data sets to upload and
// download operations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/resolver"
	"go.pdpstore.dev/synapse/retriever"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// DownloadOptions select where a download is served from.
	DownloadOptions struct {
		// Context downloads from a bound provider only.
		Context *Context
		// ProviderAddress restricts retrieval to one provider.
		ProviderAddress string
	}

	// A ProviderInfo is an approved provider and its PDP offering.
	ProviderInfo struct {
		Provider chain.Provider    `json:"provider"`
		Offering chain.PDPOffering `json:"offering"`
		Error    string            `json:"error,omitempty"`
	}
)

// A Manager creates storage contexts and serves downloads for one client.
type Manager struct {
	reader   chain.DatasetReader
	registry chain.ProviderRegistry
	signer   chain.Signer
	network  chain.Network

	resolver  *resolver.Resolver
	retriever retriever.PieceRetriever
	writers   resolver.WriterFunc
	log       *zap.Logger
	opts      options

	def atomic.Pointer[defaultContext]
}

// defaultContext is the shared context and the metadata it was requested
// with. The bound data set's own metadata may differ when the request
// carried none.
type defaultContext struct {
	requested map[string]string
	ctx       *Context
}

// defaultEligible reports whether opts describe the default context: no
// explicit provider or data set and no forced creation.
func defaultEligible(opts resolver.Options) bool {
	return opts.DataSetID == 0 && opts.ProviderID == 0 && opts.ProviderAddress == "" &&
		!opts.ForceCreate && len(opts.ExcludeProviderIDs) == 0 && opts.Filter == (resolver.ProviderFilter{})
}

func sameMetadata(a, b map[string]string) bool {
	return len(a) == len(b) && chain.MetadataMatches(a, b)
}

// withExcluded adds the configured exclusions to opts.
func (m *Manager) withExcluded(opts resolver.Options) resolver.Options {
	if len(m.opts.Excluded) > 0 {
		opts.ExcludeProviderIDs = append(append([]uint64(nil), opts.ExcludeProviderIDs...), m.opts.Excluded...)
	}
	return opts
}

func (m *Manager) newContext(b resolver.Binding) *Context {
	return &Context{
		binding: b,
		payer:   m.signer.Address(),
		network: m.network,

		client: newPDPClient(b.Endpoint, m.opts.HTTPClient, m.log, m.opts.PDP),
		writer: m.writers(b.Endpoint),
		signer: m.signer,
		log:    m.log.Named("context").With(zap.Uint64("providerID", b.Provider.ID), zap.Uint64("dataSetID", b.DataSetID)),

		digester:    m.opts.Digester,
		cache:       m.opts.Cache,
		ledger:      m.opts.Ledger,
		confirm:     m.opts.ConfirmAdditions,
		concurrency: m.opts.UploadConcurrency,
	}
}

// Context resolves a storage context. Requests without an explicit
// provider or data set share a default context as long as their metadata
// is the same; a request with different metadata replaces it.
func (m *Manager) Context(ctx context.Context, opts resolver.Options) (*Context, error) {
	eligible := defaultEligible(opts)
	requested := chain.CombineMetadata(opts.Metadata, opts.WithCDN)
	if eligible {
		if d := m.def.Load(); d != nil && sameMetadata(d.requested, requested) {
			return d.ctx, nil
		}
	}

	b, err := m.resolver.Bind(ctx, m.withExcluded(opts))
	if err != nil {
		return nil, err
	}
	c := m.newContext(b)
	if eligible {
		m.def.Store(&defaultContext{requested: requested, ctx: c})
	}
	return c, nil
}

// DefaultContext returns the cached default context, if any.
func (m *Manager) DefaultContext() *Context {
	if d := m.def.Load(); d != nil {
		return d.ctx
	}
	return nil
}

// Contexts resolves n contexts on distinct providers.
func (m *Manager) Contexts(ctx context.Context, n int, opts resolver.Options) ([]*Context, error) {
	if n > 1 && (opts.DataSetID != 0 || opts.ProviderID != 0 || opts.ProviderAddress != "") {
		return nil, errors.New("an explicit provider or data set cannot be spread over multiple contexts")
	}
	excluded := append([]uint64(nil), m.withExcluded(opts).ExcludeProviderIDs...)
	contexts := make([]*Context, 0, n)
	for i := 0; i < n; i++ {
		o := opts
		o.ExcludeProviderIDs = excluded
		b, err := m.resolver.Bind(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve context %d of %d: %w", i+1, n, err)
		}
		contexts = append(contexts, m.newContext(b))
		excluded = append(excluded, b.Provider.ID)
	}
	return contexts, nil
}

// Upload uploads data through the context resolved for opts.
func (m *Manager) Upload(ctx context.Context, data []byte, opts resolver.Options, popts PieceOptions) (UploadResult, error) {
	if err := checkSize(len(data)); err != nil {
		return UploadResult{}, err
	}
	c, err := m.Context(ctx, opts)
	if err != nil {
		return UploadResult{}, err
	}
	return c.Upload(ctx, data, popts)
}

// Download fetches a piece from the given context, or from whichever of
// the client's providers has it.
func (m *Manager) Download(ctx context.Context, pieceCID cid.Cid, opts DownloadOptions) ([]byte, error) {
	if opts.Context != nil {
		return opts.Context.Download(ctx, pieceCID)
	}
	return m.retriever.FetchPiece(ctx, pieceCID, m.signer.Address(), retriever.FetchOptions{ProviderAddress: opts.ProviderAddress})
}

// ConvertPieceCID converts a v1 piece CID to v2.
func (m *Manager) ConvertPieceCID(v1 string, payloadSize, paddedSize uint64) (string, error) {
	return piece.ConvertV1ToV2(v1, payloadSize, paddedSize)
}

// DataSets returns the client's data sets.
func (m *Manager) DataSets(ctx context.Context) ([]chain.DataSet, error) {
	return m.reader.ClientDataSetsWithDetails(ctx, m.signer.Address())
}

// Providers returns the approved providers. Providers whose offering
// cannot be decoded are returned with an error message.
func (m *Manager) Providers(ctx context.Context) ([]ProviderInfo, error) {
	ids, err := m.reader.ApprovedProviderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved providers: %w", err)
	}
	providers := make([]ProviderInfo, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			p, err := m.registry.Provider(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to get provider %d: %w", id, err)
			}
			providers[i].Provider = p
			if providers[i].Offering, err = m.resolver.Offering(gctx, id); err != nil {
				providers[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return providers, nil
}

// Address returns the client address.
func (m *Manager) Address() string {
	return m.signer.Address()
}

// Network returns the network the manager operates on.
func (m *Manager) Network() chain.Network {
	return m.network
}

// New returns a Manager for the client identified by signer.
func New(reader chain.DatasetReader, registry chain.ProviderRegistry, signer chain.Signer, network chain.Network, opts ...Option) (*Manager, error) {
	o := options{
		Log:               zap.NewNop(),
		HTTPClient:        http.DefaultClient,
		Digester:          piece.CommPDigester{},
		UploadConcurrency: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.UploadConcurrency <= 0 {
		return nil, errors.New("upload concurrency must be positive")
	} else if network.WarmStorage == "" {
		return nil, errors.New("network has no storage service address")
	}
	log := o.Log.Named("storage")
	if o.Writers == nil {
		o.Writers = defaultWriters(o.HTTPClient, log, o.PDP)
	}

	ropts := append([]resolver.Option{
		resolver.WithLog(o.Log),
		resolver.WithProber(resolver.PingProber(o.HTTPClient)),
		resolver.WithRecordKeeper(network.WarmStorage),
	}, o.Resolver...)
	res, err := resolver.New(reader, registry, signer, o.Writers, ropts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	ret := o.Retriever
	if ret == nil {
		ropts := append([]retriever.Option{
			retriever.WithLog(o.Log),
			retriever.WithHTTPClient(o.HTTPClient),
		}, o.Retrieval...)
		if ret, err = retriever.New(reader, registry, ropts...); err != nil {
			return nil, fmt.Errorf("failed to create retriever: %w", err)
		}
	}

	return &Manager{
		reader:   reader,
		registry: registry,
		signer:   signer,
		network:  network,

		resolver:  res,
		retriever: ret,
		writers:   o.Writers,
		log:       log,
		opts:      o,
	}, nil
}
