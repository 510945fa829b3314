// Package chaintest provides an in-memory chain for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"lukechampine.com/frand"
)

type signedCreate struct {
	clientDataSetID uint64
	payee           string
	metadata        map[string]string
}

// A Chain implements chain.DatasetReader, chain.ProviderRegistry and
// chain.Signer in memory.
type Chain struct {
	address string

	mu        sync.Mutex
	nextID    uint64
	dataSets  map[uint64]chain.DataSet
	providers map[uint64]chain.ProviderWithProduct
	approved  []uint64
	signed    map[string]signedCreate
	calls     map[string]int
}

// New returns an empty chain whose signer address is address.
func New(address string) *Chain {
	return &Chain{
		address:   address,
		nextID:    1000,
		dataSets:  make(map[uint64]chain.DataSet),
		providers: make(map[uint64]chain.ProviderWithProduct),
		signed:    make(map[string]signedCreate),
		calls:     make(map[string]int),
	}
}

func (c *Chain) call(method string) {
	c.calls[method]++
}

// Calls returns the number of calls made to a method.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// AddProvider registers a provider with a PDP offering.
func (c *Chain) AddProvider(p chain.Provider, o chain.PDPOffering, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, values := o.Capabilities()
	c.providers[p.ID] = chain.ProviderWithProduct{
		Provider:         p,
		Product:          chain.Product{Type: chain.ProductTypePDP, CapabilityKeys: keys, IsActive: true},
		CapabilityValues: values,
	}
	if approved {
		c.approved = append(c.approved, p.ID)
	}
}

// AddDataSet stores a data set. Its Metadata is what DataSetMetadata
// returns.
func (c *Chain) AddDataSet(ds chain.DataSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSets[ds.ID] = ds
}

// SetPieceCount sets the active piece count of a data set.
func (c *Chain) SetPieceCount(id, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.dataSets[id]
	ds.ActivePieceCount = n
	c.dataSets[id] = ds
}

func copyDataSet(ds chain.DataSet) chain.DataSet {
	m := make(map[string]string, len(ds.Metadata))
	for k, v := range ds.Metadata {
		m[k] = v
	}
	ds.Metadata = m
	return ds
}

// DataSet implements chain.DatasetReader.
func (c *Chain) DataSet(_ context.Context, id uint64) (chain.DataSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call("DataSet")
	ds, ok := c.dataSets[id]
	if !ok {
		return chain.DataSet{}, fmt.Errorf("data set %d: %w", id, chain.ErrNotFound)
	}
	return copyDataSet(ds), nil
}

// DataSetMetadata implements chain.DatasetReader.
func (c *Chain) DataSetMetadata(_ context.Context, id uint64) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call("DataSetMetadata")
	ds, ok := c.dataSets[id]
	if !ok {
		return nil, fmt.Errorf("data set %d: %w", id, chain.ErrNotFound)
	}
	return copyDataSet(ds).Metadata, nil
}

func (c *Chain) clientDataSets(client string) []chain.DataSet {
	var dataSets []chain.DataSet
	for _, ds := range c.dataSets {
		if chain.SameAddress(ds.Payer, client) {
			dataSets = append(dataSets, copyDataSet(ds))
		}
	}
	sort.Slice(dataSets, func(i, j int) bool { return dataSets[i].ID < dataSets[j].ID })
	return dataSets
}

// ClientDataSets implements chain.DatasetReader.
func (c *Chain) ClientDataSets(_ context.Context, client string) ([]chain.DataSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call("ClientDataSets")
	return c.clientDataSets(client), nil
}

// ClientDataSetsWithDetails implements chain.DatasetReader.
func (c *Chain) ClientDataSetsWithDetails(_ context.Context, client string) ([]chain.DataSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call("ClientDataSetsWithDetails")
	return c.clientDataSets(client), nil
}

// IsProviderApproved implements chain.DatasetReader.
func (c *Chain) IsProviderApproved(_ context.Context, id uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.approved {
		if a == id {
			return true, nil
		}
	}
	return false, nil
}

// ApprovedProviderIDs implements chain.DatasetReader.
func (c *Chain) ApprovedProviderIDs(context.Context) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.approved...), nil
}

// Provider implements chain.ProviderRegistry.
func (c *Chain) Provider(_ context.Context, id uint64) (chain.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call("Provider")
	p, ok := c.providers[id]
	if !ok {
		return chain.Provider{}, fmt.Errorf("provider %d: %w", id, chain.ErrNotFound)
	}
	return p.Provider, nil
}

// ProviderByAddress implements chain.ProviderRegistry.
func (c *Chain) ProviderByAddress(_ context.Context, addr string) (chain.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.providers {
		if chain.SameAddress(p.Provider.ServiceAddress, addr) {
			return p.Provider, nil
		}
	}
	return chain.Provider{}, fmt.Errorf("provider %s: %w", addr, chain.ErrNotFound)
}

// ProviderWithProduct implements chain.ProviderRegistry.
func (c *Chain) ProviderWithProduct(_ context.Context, id uint64, typ chain.ProductType) (chain.ProviderWithProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok || p.Product.Type != typ {
		return chain.ProviderWithProduct{}, fmt.Errorf("provider %d product %d: %w", id, typ, chain.ErrNotFound)
	}
	return p, nil
}

// Address implements chain.Signer.
func (c *Chain) Address() string {
	return c.address
}

func digest(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "0x" + hex.EncodeToString(h[:])
}

// SignCreateDataSet implements chain.Signer.
func (c *Chain) SignCreateDataSet(_ context.Context, clientDataSetID uint64, payee string, metadata []chain.MetadataEntry) (string, error) {
	m := make(map[string]string, len(metadata))
	parts := []string{"create", fmt.Sprint(clientDataSetID), payee}
	for _, e := range metadata {
		m[e.Key] = e.Value
		parts = append(parts, e.Key+"="+e.Value)
	}
	sig := digest(parts...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signed[sig] = signedCreate{clientDataSetID: clientDataSetID, payee: payee, metadata: m}
	return sig, nil
}

// SignAddPieces implements chain.Signer.
func (c *Chain) SignAddPieces(_ context.Context, clientDataSetID uint64, pieces []cid.Cid, metadata [][]chain.MetadataEntry) (string, error) {
	parts := []string{"add", fmt.Sprint(clientDataSetID)}
	for i, p := range pieces {
		parts = append(parts, p.String())
		for _, e := range metadata[i] {
			parts = append(parts, e.Key+"="+e.Value)
		}
	}
	return digest(parts...), nil
}

// record adds the data set created from signed extra data. It reports false
// if the extra data was not produced by this chain.
func (c *Chain) record(id uint64, extraData string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signed[extraData]
	if !ok {
		return false
	}
	var providerID uint64
	for _, p := range c.providers {
		if chain.SameAddress(p.Provider.PayeeAddress, s.payee) {
			providerID = p.Provider.ID
		}
	}
	c.dataSets[id] = chain.DataSet{
		ID:              id,
		ClientDataSetID: s.clientDataSetID,
		ProviderID:      providerID,
		Payer:           c.address,
		Payee:           s.payee,
		Metadata:        s.metadata,
		IsLive:          true,
		IsManaged:       true,
	}
	return true
}

// addPieces increases the active piece count of a data set.
func (c *Chain) addPieces(id uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.dataSets[id]; ok {
		ds.ActivePieceCount += uint64(n)
		c.dataSets[id] = ds
	}
}

func randomTx() string {
	return "0x" + hex.EncodeToString(frand.Bytes(32))
}
