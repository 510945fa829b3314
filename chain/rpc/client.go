// Package rpc implements the chain collaborators over a JSON-RPC gateway.
package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
)

// Namespace is the JSON-RPC namespace of the gateway methods.
const Namespace = "Synapse"

// methods are the gateway calls. Field names are the method names.
type methods struct {
	DataSet                   func(ctx context.Context, id uint64) (chain.DataSet, error)
	DataSetMetadata           func(ctx context.Context, id uint64) (map[string]string, error)
	ClientDataSets            func(ctx context.Context, client string) ([]chain.DataSet, error)
	ClientDataSetsWithDetails func(ctx context.Context, client string) ([]chain.DataSet, error)
	IsProviderApproved        func(ctx context.Context, providerID uint64) (bool, error)
	ApprovedProviderIDs       func(ctx context.Context) ([]uint64, error)

	Provider            func(ctx context.Context, id uint64) (chain.Provider, error)
	ProviderByAddress   func(ctx context.Context, address string) (chain.Provider, error)
	ProviderWithProduct func(ctx context.Context, id uint64, typ chain.ProductType) (chain.ProviderWithProduct, error)

	Address           func(ctx context.Context) (string, error)
	SignCreateDataSet func(ctx context.Context, clientDataSetID uint64, payee string, metadata []chain.MetadataEntry) (string, error)
	SignAddPieces     func(ctx context.Context, clientDataSetID uint64, pieces []cid.Cid, metadata [][]chain.MetadataEntry) (string, error)
}

// A Client reads chain state and signs requests through a gateway. It
// implements chain.DatasetReader, chain.ProviderRegistry and chain.Signer.
type Client struct {
	internal methods
	address  string
	closer   jsonrpc.ClientCloser
}

var (
	_ chain.DatasetReader    = (*Client)(nil)
	_ chain.ProviderRegistry = (*Client)(nil)
	_ chain.Signer           = (*Client)(nil)
)

// DataSet implements chain.DatasetReader.
func (c *Client) DataSet(ctx context.Context, id uint64) (chain.DataSet, error) {
	return c.internal.DataSet(ctx, id)
}

// DataSetMetadata implements chain.DatasetReader.
func (c *Client) DataSetMetadata(ctx context.Context, id uint64) (map[string]string, error) {
	return c.internal.DataSetMetadata(ctx, id)
}

// ClientDataSets implements chain.DatasetReader.
func (c *Client) ClientDataSets(ctx context.Context, client string) ([]chain.DataSet, error) {
	return c.internal.ClientDataSets(ctx, client)
}

// ClientDataSetsWithDetails implements chain.DatasetReader.
func (c *Client) ClientDataSetsWithDetails(ctx context.Context, client string) ([]chain.DataSet, error) {
	return c.internal.ClientDataSetsWithDetails(ctx, client)
}

// IsProviderApproved implements chain.DatasetReader.
func (c *Client) IsProviderApproved(ctx context.Context, providerID uint64) (bool, error) {
	return c.internal.IsProviderApproved(ctx, providerID)
}

// ApprovedProviderIDs implements chain.DatasetReader.
func (c *Client) ApprovedProviderIDs(ctx context.Context) ([]uint64, error) {
	return c.internal.ApprovedProviderIDs(ctx)
}

// Provider implements chain.ProviderRegistry.
func (c *Client) Provider(ctx context.Context, id uint64) (chain.Provider, error) {
	return c.internal.Provider(ctx, id)
}

// ProviderByAddress implements chain.ProviderRegistry.
func (c *Client) ProviderByAddress(ctx context.Context, address string) (chain.Provider, error) {
	return c.internal.ProviderByAddress(ctx, address)
}

// ProviderWithProduct implements chain.ProviderRegistry.
func (c *Client) ProviderWithProduct(ctx context.Context, id uint64, typ chain.ProductType) (chain.ProviderWithProduct, error) {
	return c.internal.ProviderWithProduct(ctx, id, typ)
}

// Address implements chain.Signer. The address is fetched once when the
// client connects.
func (c *Client) Address() string {
	return c.address
}

// SignCreateDataSet implements chain.Signer.
func (c *Client) SignCreateDataSet(ctx context.Context, clientDataSetID uint64, payee string, metadata []chain.MetadataEntry) (string, error) {
	return c.internal.SignCreateDataSet(ctx, clientDataSetID, payee, metadata)
}

// SignAddPieces implements chain.Signer.
func (c *Client) SignAddPieces(ctx context.Context, clientDataSetID uint64, pieces []cid.Cid, metadata [][]chain.MetadataEntry) (string, error) {
	return c.internal.SignAddPieces(ctx, clientDataSetID, pieces, metadata)
}

// Close closes the connection to the gateway.
func (c *Client) Close() {
	c.closer()
}

// Dial connects to the gateway at addr. A non-empty token is sent as a
// bearer token.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	c := new(Client)
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace, []interface{}{&c.internal}, header, jsonrpc.WithErrors(Errors))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	c.closer = closer

	c.address, err = c.internal.Address(ctx)
	if err != nil {
		closer()
		return nil, fmt.Errorf("failed to get client address: %w", err)
	}
	return c, nil
}
