// Package resolver decides which provider and data set an upload belongs
// to, reusing data sets where possible and creating them idempotently.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.pdpstore.dev/synapse/chain"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

type (
	// A ProviderFilter narrows smart selection. Zero values do not filter.
	ProviderFilter struct {
		// PieceSize excludes providers whose offering does not accept a
		// piece of this size.
		PieceSize   uint64
		Location    string
		RequireIPNI bool
	}

	// Hooks are called as resolution progresses. Nil hooks are skipped.
	Hooks struct {
		OnProviderSelected func(chain.Provider)
		OnPhase            func(Phase)
		OnDataSetResolved  func(Binding)
	}

	// Options describe the upload intent. Provider and data set ids start
	// at 1; zero means unset.
	Options struct {
		ProviderID         uint64
		ProviderAddress    string
		DataSetID          uint64
		ForceCreate        bool
		WithCDN            bool
		Metadata           map[string]string
		ExcludeProviderIDs []uint64
		Filter             ProviderFilter
		Hooks              Hooks
	}

	// A Selection is the transient outcome of resolution. When IsExisting
	// is false the data set must be created on Provider.
	Selection struct {
		Provider        chain.Provider
		Offering        chain.PDPOffering
		Endpoint        string
		DataSetID       uint64
		ClientDataSetID uint64
		IsExisting      bool
		Metadata        map[string]string
	}
)

// WriterFunc returns the data set writer of a provider endpoint.
type WriterFunc func(endpoint string) chain.DatasetWriter

type options struct {
	Log          *zap.Logger
	Prober       Prober
	ProbeTimeout time.Duration
	RecordKeeper string
	CacheSize    int
	CacheTTL     time.Duration
}

// An Option configures a Resolver.
type Option func(*options)

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithProber sets the liveness prober.
func WithProber(p Prober) Option {
	return func(o *options) {
		o.Prober = p
	}
}

// WithProbeTimeout bounds each liveness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ProbeTimeout = d
	}
}

// WithRecordKeeper sets the storage service contract that new data sets are
// registered with.
func WithRecordKeeper(addr string) Option {
	return func(o *options) {
		o.RecordKeeper = addr
	}
}

// WithLivenessCache remembers endpoints that answered a probe for ttl. A
// zero ttl disables the cache.
func WithLivenessCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.CacheSize = size
		o.CacheTTL = ttl
	}
}

// A Resolver maps upload intents to (provider, data set) pairs.
type Resolver struct {
	reader   chain.DatasetReader
	registry chain.ProviderRegistry
	signer   chain.Signer
	writers  WriterFunc
	log      *zap.Logger

	prober       Prober
	probeTimeout time.Duration
	recordKeeper string

	alive    *lru.TwoQueueCache[string, time.Time]
	aliveTTL time.Duration
}

// merged returns the metadata a data set must carry for opts.
func (opts Options) merged() map[string]string {
	return chain.CombineMetadata(opts.Metadata, opts.WithCDN)
}

func (opts Options) excluded(id uint64) bool {
	for _, ex := range opts.ExcludeProviderIDs {
		if ex == id {
			return true
		}
	}
	return false
}

func (f ProviderFilter) accepts(o chain.PDPOffering) bool {
	switch {
	case f.PieceSize != 0 && !o.Fits(f.PieceSize):
		return false
	case f.Location != "" && !strings.EqualFold(f.Location, o.Location):
		return false
	case f.RequireIPNI && !o.IPNIPiece:
		return false
	}
	return true
}

func (h Hooks) phase(p Phase) {
	if h.OnPhase != nil {
		h.OnPhase(p)
	}
}

// Offering returns the decoded PDP offering of a provider.
func (r *Resolver) Offering(ctx context.Context, providerID uint64) (chain.PDPOffering, error) {
	pwp, err := r.registry.ProviderWithProduct(ctx, providerID, chain.ProductTypePDP)
	if err != nil {
		return chain.PDPOffering{}, fmt.Errorf("failed to get PDP product of provider %d: %w", providerID, err)
	} else if !pwp.Product.IsActive {
		return chain.PDPOffering{}, fmt.Errorf("provider %d has no active PDP product", providerID)
	}
	return chain.DecodePDPOffering(pwp)
}

// probe checks an endpoint, consulting the liveness cache first.
func (r *Resolver) probe(ctx context.Context, endpoint string) error {
	if r.alive != nil {
		if t, ok := r.alive.Get(endpoint); ok && time.Since(t) < r.aliveTTL {
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if err := r.prober.Probe(ctx, endpoint); err != nil {
		if r.alive != nil {
			r.alive.Remove(endpoint)
		}
		return err
	}
	if r.alive != nil {
		r.alive.Add(endpoint, time.Now())
	}
	return nil
}

// Resolve decides the provider and data set for opts without creating
// anything. The first matching rule applies: an explicit data set, then an
// explicit provider, then smart selection.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (Selection, error) {
	switch {
	case opts.DataSetID != 0 && !opts.ForceCreate:
		return r.resolveDataSet(ctx, opts)
	case opts.ProviderID != 0 || opts.ProviderAddress != "":
		return r.resolveProvider(ctx, opts)
	default:
		return r.selectProvider(ctx, opts)
	}
}

func (r *Resolver) resolveDataSet(ctx context.Context, opts Options) (Selection, error) {
	id := opts.DataSetID
	ds, err := r.reader.DataSet(ctx, id)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to get data set %d: %w", id, err)
	} else if !ds.IsLive {
		return Selection{}, fmt.Errorf("data set %d is not live: %w", id, chain.ErrNotFound)
	} else if !ds.IsManaged {
		return Selection{}, fmt.Errorf("data set %d is not managed by the storage service", id)
	}

	caller := r.signer.Address()
	if !chain.SameAddress(ds.Payer, caller) {
		return Selection{}, &OwnershipError{DataSetID: id, Payer: ds.Payer, Caller: caller}
	}
	if opts.ProviderID != 0 && opts.ProviderID != ds.ProviderID {
		return Selection{}, &ConsistencyError{DataSetID: id, ProviderID: ds.ProviderID, Requested: formatUint(opts.ProviderID)}
	}
	if opts.ProviderAddress != "" {
		p, err := r.registry.ProviderByAddress(ctx, opts.ProviderAddress)
		if errors.Is(err, chain.ErrNotFound) || (err == nil && p.ID != ds.ProviderID) {
			return Selection{}, &ConsistencyError{DataSetID: id, ProviderID: ds.ProviderID, Requested: opts.ProviderAddress}
		} else if err != nil {
			return Selection{}, fmt.Errorf("failed to look up provider %s: %w", opts.ProviderAddress, err)
		}
	}

	provider, err := r.registry.Provider(ctx, ds.ProviderID)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to get provider %d of data set %d: %w", ds.ProviderID, id, err)
	}
	offering, err := r.Offering(ctx, provider.ID)
	if err != nil {
		return Selection{}, err
	}
	metadata, err := r.reader.DataSetMetadata(ctx, id)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to get metadata of data set %d: %w", id, err)
	}
	if requested := opts.merged(); len(requested) > 0 && !chain.MetadataMatches(metadata, requested) {
		return Selection{}, &MetadataMismatchError{DataSetID: id, Actual: metadata, Requested: requested}
	}
	return Selection{
		Provider:        provider,
		Offering:        offering,
		Endpoint:        offering.ServiceURL,
		DataSetID:       id,
		ClientDataSetID: ds.ClientDataSetID,
		IsExisting:      true,
		Metadata:        metadata,
	}, nil
}

func (r *Resolver) explicitProvider(ctx context.Context, opts Options) (chain.Provider, error) {
	if opts.ProviderAddress == "" {
		p, err := r.registry.Provider(ctx, opts.ProviderID)
		if err != nil {
			return chain.Provider{}, fmt.Errorf("failed to get provider %d: %w", opts.ProviderID, err)
		}
		return p, nil
	}
	p, err := r.registry.ProviderByAddress(ctx, opts.ProviderAddress)
	if err != nil {
		return chain.Provider{}, fmt.Errorf("failed to look up provider %s: %w", opts.ProviderAddress, err)
	} else if opts.ProviderID != 0 && p.ID != opts.ProviderID {
		return chain.Provider{}, fmt.Errorf("provider address %s belongs to provider %d, not %d", opts.ProviderAddress, p.ID, opts.ProviderID)
	}
	return p, nil
}

func (r *Resolver) resolveProvider(ctx context.Context, opts Options) (Selection, error) {
	provider, err := r.explicitProvider(ctx, opts)
	if err != nil {
		return Selection{}, err
	}

	approved, err := r.reader.IsProviderApproved(ctx, provider.ID)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to check approval of provider %d: %w", provider.ID, err)
	}
	if !provider.IsActive || !approved {
		reason := "not approved by the storage service"
		if !provider.IsActive {
			reason = "inactive"
		}
		ids, err := r.reader.ApprovedProviderIDs(ctx)
		if err != nil {
			r.log.Warn("failed to list approved providers", zap.Error(err))
		}
		return Selection{}, &ApprovalError{ProviderID: provider.ID, Reason: reason, Approved: ids}
	}

	offering, err := r.Offering(ctx, provider.ID)
	if err != nil {
		return Selection{}, err
	}
	requested := opts.merged()
	sel := Selection{
		Provider: provider,
		Offering: offering,
		Endpoint: offering.ServiceURL,
		Metadata: requested,
	}
	if opts.ForceCreate {
		return sel, nil
	}

	dataSets, err := r.reader.ClientDataSets(ctx, r.signer.Address())
	if err != nil {
		return Selection{}, fmt.Errorf("failed to list data sets: %w", err)
	}
	ds, metadata, ok, err := r.findReusable(ctx, dataSets, provider.ID, requested)
	if err != nil {
		return Selection{}, err
	} else if ok {
		sel.DataSetID = ds.ID
		sel.ClientDataSetID = ds.ClientDataSetID
		sel.IsExisting = true
		sel.Metadata = metadata
	}
	return sel, nil
}

// findReusable returns the first data set on the provider that is not
// terminated and whose metadata matches.
func (r *Resolver) findReusable(ctx context.Context, dataSets []chain.DataSet, providerID uint64, requested map[string]string) (chain.DataSet, map[string]string, bool, error) {
	for _, ds := range dataSets {
		if ds.ProviderID != providerID || ds.PDPEndEpoch != 0 {
			continue
		}
		metadata, err := r.reader.DataSetMetadata(ctx, ds.ID)
		if err != nil {
			return chain.DataSet{}, nil, false, fmt.Errorf("failed to get metadata of data set %d: %w", ds.ID, err)
		} else if chain.MetadataMatches(metadata, requested) {
			return ds, metadata, true, nil
		}
	}
	return chain.DataSet{}, nil, false, nil
}

// candidate resolves and probes a provider for smart selection. Every
// provider is probed at most once per resolution; probed records the
// outcome.
func (r *Resolver) candidate(ctx context.Context, id uint64, opts Options, probed map[uint64]error) (chain.Provider, chain.PDPOffering, error) {
	if err, ok := probed[id]; ok && err != nil {
		return chain.Provider{}, chain.PDPOffering{}, err
	}
	provider, err := r.registry.Provider(ctx, id)
	if err != nil {
		probed[id] = err
		return chain.Provider{}, chain.PDPOffering{}, err
	} else if !provider.IsActive {
		probed[id] = errors.New("provider is inactive")
		return chain.Provider{}, chain.PDPOffering{}, probed[id]
	}
	offering, err := r.Offering(ctx, id)
	if err != nil {
		probed[id] = err
		return chain.Provider{}, chain.PDPOffering{}, err
	} else if !opts.Filter.accepts(offering) {
		probed[id] = errors.New("offering does not match filter")
		return chain.Provider{}, chain.PDPOffering{}, probed[id]
	}
	if _, ok := probed[id]; !ok {
		probed[id] = r.probe(ctx, offering.ServiceURL)
	}
	return provider, offering, probed[id]
}

func (r *Resolver) selectProvider(ctx context.Context, opts Options) (Selection, error) {
	log := r.log.With(zap.Bool("forceCreate", opts.ForceCreate))
	requested := opts.merged()
	probed := make(map[uint64]error)

	if !opts.ForceCreate {
		dataSets, err := r.reader.ClientDataSetsWithDetails(ctx, r.signer.Address())
		if err != nil {
			return Selection{}, fmt.Errorf("failed to list data sets: %w", err)
		}
		var reusable []chain.DataSet
		for _, ds := range dataSets {
			if ds.IsLive && ds.IsManaged && ds.PDPEndEpoch == 0 && !opts.excluded(ds.ProviderID) && chain.MetadataMatches(ds.Metadata, requested) {
				reusable = append(reusable, ds)
			}
		}
		sort.SliceStable(reusable, func(i, j int) bool {
			if reusable[i].ActivePieceCount != reusable[j].ActivePieceCount {
				return reusable[i].ActivePieceCount > reusable[j].ActivePieceCount
			}
			return reusable[i].ID < reusable[j].ID
		})
		for _, ds := range reusable {
			provider, offering, err := r.candidate(ctx, ds.ProviderID, opts, probed)
			if err != nil {
				log.Debug("skipping data set", zap.Uint64("dataSetID", ds.ID), zap.Uint64("providerID", ds.ProviderID), zap.Error(err))
				continue
			}
			return Selection{
				Provider:        provider,
				Offering:        offering,
				Endpoint:        offering.ServiceURL,
				DataSetID:       ds.ID,
				ClientDataSetID: ds.ClientDataSetID,
				IsExisting:      true,
				Metadata:        ds.Metadata,
			}, nil
		}
	}

	approved, err := r.reader.ApprovedProviderIDs(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to list approved providers: %w", err)
	}
	var ids []uint64
	for _, id := range approved {
		if !opts.excluded(id) {
			ids = append(ids, id)
		}
	}
	frand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	for _, id := range ids {
		provider, offering, err := r.candidate(ctx, id, opts, probed)
		if err != nil {
			log.Debug("skipping provider", zap.Uint64("providerID", id), zap.Error(err))
			continue
		}
		return Selection{
			Provider: provider,
			Offering: offering,
			Endpoint: offering.ServiceURL,
			Metadata: requested,
		}, nil
	}
	return Selection{}, &NoProviderError{Tried: len(probed), Excluded: opts.ExcludeProviderIDs}
}

// New returns a Resolver.
func New(reader chain.DatasetReader, registry chain.ProviderRegistry, signer chain.Signer, writers WriterFunc, opts ...Option) (*Resolver, error) {
	o := options{
		Log:          zap.NewNop(),
		Prober:       PingProber(http.DefaultClient),
		ProbeTimeout: 5 * time.Second,
		CacheSize:    128,
		CacheTTL:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case reader == nil:
		return nil, errors.New("data set reader is required")
	case registry == nil:
		return nil, errors.New("provider registry is required")
	case signer == nil:
		return nil, errors.New("signer is required")
	case writers == nil:
		return nil, errors.New("writer func is required")
	case o.RecordKeeper == "":
		return nil, errors.New("record keeper is required")
	}

	r := &Resolver{
		reader:   reader,
		registry: registry,
		signer:   signer,
		writers:  writers,
		log:      o.Log.Named("resolver"),

		prober:       o.Prober,
		probeTimeout: o.ProbeTimeout,
		recordKeeper: o.RecordKeeper,
		aliveTTL:     o.CacheTTL,
	}
	if o.CacheTTL > 0 && o.CacheSize > 0 {
		cache, err := lru.New2Q[string, time.Time](o.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create liveness cache: %w", err)
		}
		r.alive = cache
	}
	return r, nil
}
