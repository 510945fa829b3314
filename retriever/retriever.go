// Package retriever fetches pieces from whichever storage provider holds
// them.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/piece"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// FetchOptions narrow a single fetch.
	FetchOptions struct {
		// ProviderAddress makes the provider with this service address the
		// only candidate.
		ProviderAddress string
		// Sequential overrides the retriever's parallel setting for this
		// fetch.
		Sequential bool
	}

	// A PieceRetriever fetches the bytes of a piece on behalf of a client.
	PieceRetriever interface {
		FetchPiece(ctx context.Context, pieceCID cid.Cid, client string, opts FetchOptions) ([]byte, error)
	}

	// A Candidate is a provider that may hold a piece.
	Candidate struct {
		Provider chain.Provider
		Endpoint string
	}
)

// A PieceNotFoundError is returned when no candidate and no fallback
// returned the piece. Err aggregates the per-candidate failures.
type PieceNotFoundError struct {
	PieceCID cid.Cid
	Tried    int
	Err      error
}

func (e *PieceNotFoundError) Error() string {
	msg := fmt.Sprintf("piece %v not found on any of %d providers", e.PieceCID, e.Tried)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PieceNotFoundError) Unwrap() error {
	return e.Err
}

var (
	errEmptyPiece = errors.New("provider returned an empty piece")
	errFound      = errors.New("piece found")
)

// A ChainRetriever discovers candidate providers from the client's data sets
// and fetches the piece from the first one that has it.
type ChainRetriever struct {
	reader   chain.DatasetReader
	registry chain.ProviderRegistry
	log      *zap.Logger
	opts     options

	endpoints *expirable.LRU[uint64, string]
}

func (r *ChainRetriever) endpoint(ctx context.Context, providerID uint64) (string, error) {
	if r.endpoints != nil {
		if endpoint, ok := r.endpoints.Get(providerID); ok {
			return endpoint, nil
		}
	}
	pwp, err := r.registry.ProviderWithProduct(ctx, providerID, chain.ProductTypePDP)
	if err != nil {
		return "", fmt.Errorf("failed to get PDP product: %w", err)
	} else if !pwp.Product.IsActive {
		return "", errors.New("PDP product is inactive")
	}
	offering, err := chain.DecodePDPOffering(pwp)
	if err != nil {
		return "", err
	}
	if r.endpoints != nil {
		r.endpoints.Add(providerID, offering.ServiceURL)
	}
	return offering.ServiceURL, nil
}

// Candidates returns the providers that may hold the client's pieces. Only
// live data sets with pieces count; providers that fail to resolve are
// dropped.
func (r *ChainRetriever) Candidates(ctx context.Context, client string, opts FetchOptions) ([]Candidate, error) {
	if opts.ProviderAddress != "" {
		p, err := r.registry.ProviderByAddress(ctx, opts.ProviderAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to look up provider %s: %w", opts.ProviderAddress, err)
		}
		endpoint, err := r.endpoint(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve endpoint of provider %d: %w", p.ID, err)
		}
		return []Candidate{{Provider: p, Endpoint: endpoint}}, nil
	}

	dataSets, err := r.reader.ClientDataSetsWithDetails(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sets of %s: %w", client, err)
	}
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, ds := range dataSets {
		if ds.IsLive && ds.ActivePieceCount > 0 && !seen[ds.ProviderID] {
			seen[ds.ProviderID] = true
			ids = append(ids, ds.ProviderID)
		}
	}

	resolved := make([]*Candidate, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			log := r.log.With(zap.Uint64("providerID", id))
			p, err := r.registry.Provider(ctx, id)
			if err != nil {
				log.Debug("dropping provider", zap.Error(err))
				return nil
			} else if !p.IsActive {
				log.Debug("dropping inactive provider")
				return nil
			}
			endpoint, err := r.endpoint(ctx, id)
			if err != nil {
				log.Warn("dropping provider without endpoint", zap.Error(err))
				return nil
			}
			resolved[i] = &Candidate{Provider: p, Endpoint: endpoint}
			return nil
		})
	}
	g.Wait()

	var candidates []Candidate
	for _, c := range resolved {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates, nil
}

// fetchFrom checks that a candidate has the piece and downloads it.
func (r *ChainRetriever) fetchFrom(ctx context.Context, c Candidate, pieceCID cid.Cid) ([]byte, error) {
	client := pdp.New(c.Endpoint, pdp.WithHTTPClient(r.opts.HTTPClient), pdp.WithLog(r.log))
	if err := client.FindPiece(ctx, pieceCID); err != nil {
		return nil, err
	}
	data, err := client.DownloadPiece(ctx, pieceCID)
	if err != nil {
		return nil, err
	} else if len(data) == 0 {
		return nil, errEmptyPiece
	}
	if r.opts.Verifier != nil {
		if err := piece.Verify(r.opts.Verifier, pieceCID, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// race fetches from every candidate concurrently. The first success cancels
// the others, and race returns only after every request has stopped.
func (r *ChainRetriever) race(ctx context.Context, candidates []Candidate, pieceCID cid.Cid) ([]byte, error) {
	g, ctx := errgroup.WithContext(ctx)

	var (
		mu     sync.Mutex
		result []byte
		errs   error
	)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			data, err := r.fetchFrom(ctx, c, pieceCID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("provider %d: %w", c.Provider.ID, err))
				return nil
			} else if result == nil {
				result = data
			}
			return errFound
		})
	}
	if err := g.Wait(); errors.Is(err, errFound) {
		return result, nil
	}
	return nil, errs
}

// sequential tries candidates in order, stopping at the first success.
func (r *ChainRetriever) sequential(ctx context.Context, candidates []Candidate, pieceCID cid.Cid) ([]byte, error) {
	var errs error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(errs, err)
		}
		data, err := r.fetchFrom(ctx, c, pieceCID)
		if err == nil {
			return data, nil
		}
		r.log.Debug("candidate failed", zap.Uint64("providerID", c.Provider.ID), zap.Stringer("pieceCID", pieceCID), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("provider %d: %w", c.Provider.ID, err))
	}
	return nil, errs
}

// FetchPiece implements PieceRetriever.
func (r *ChainRetriever) FetchPiece(ctx context.Context, pieceCID cid.Cid, client string, opts FetchOptions) ([]byte, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	log := r.log.With(zap.Stringer("pieceCID", pieceCID), zap.String("client", client))
	start := time.Now()

	candidates, err := r.Candidates(ctx, client, opts)
	if err == nil && len(candidates) == 0 {
		err = fmt.Errorf("no providers with live data sets for %s", client)
	}
	if err == nil {
		var data []byte
		if r.opts.Parallel && !opts.Sequential && len(candidates) > 1 {
			data, err = r.race(ctx, candidates, pieceCID)
		} else {
			data, err = r.sequential(ctx, candidates, pieceCID)
		}
		if err == nil {
			log.Debug("fetched piece", zap.Int("candidates", len(candidates)), zap.Int("size", len(data)), zap.Duration("elapsed", time.Since(start)))
			return data, nil
		}
	}

	if r.opts.Fallback != nil {
		log.Warn("falling back", zap.Int("candidates", len(candidates)), zap.Error(err))
		data, ferr := r.opts.Fallback.FetchPiece(ctx, pieceCID, client, opts)
		if ferr == nil {
			return data, nil
		}
		err = multierr.Append(err, fmt.Errorf("fallback: %w", ferr))
	}
	if ctx.Err() != nil && r.opts.Timeout > 0 {
		err = multierr.Append(err, fmt.Errorf("gave up after %v", r.opts.Timeout))
	}
	return nil, &PieceNotFoundError{PieceCID: pieceCID, Tried: len(candidates), Err: err}
}

// FetchPieces fetches several pieces concurrently. The result is in the
// order of pieceCIDs; the first error is returned.
func FetchPieces(ctx context.Context, r PieceRetriever, pieceCIDs []cid.Cid, client string, opts FetchOptions) ([][]byte, error) {
	results := make([][]byte, len(pieceCIDs))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range pieceCIDs {
		i, c := i, c
		g.Go(func() error {
			data, err := r.FetchPiece(ctx, c, client, opts)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// New returns a ChainRetriever.
func New(reader chain.DatasetReader, registry chain.ProviderRegistry, opts ...Option) (*ChainRetriever, error) {
	o := options{
		HTTPClient: http.DefaultClient,
		Log:        zap.NewNop(),
		Parallel:   true,
		Timeout:    30 * time.Second,
		CacheSize:  256,
		CacheTTL:   10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if reader == nil {
		return nil, errors.New("data set reader is required")
	} else if registry == nil {
		return nil, errors.New("provider registry is required")
	}

	r := &ChainRetriever{
		reader:   reader,
		registry: registry,
		log:      o.Log.Named("retriever"),
		opts:     o,
	}
	if o.CacheSize > 0 {
		r.endpoints = expirable.NewLRU[uint64, string](o.CacheSize, nil, o.CacheTTL)
	}
	return r, nil
}
