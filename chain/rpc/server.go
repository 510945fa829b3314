package rpc

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
)

// handler serves the gateway methods from local collaborators.
type handler struct {
	reader   chain.DatasetReader
	registry chain.ProviderRegistry
	signer   chain.Signer
}

func (h *handler) DataSet(ctx context.Context, id uint64) (chain.DataSet, error) {
	ds, err := h.reader.DataSet(ctx, id)
	return ds, serverError(err)
}

func (h *handler) DataSetMetadata(ctx context.Context, id uint64) (map[string]string, error) {
	md, err := h.reader.DataSetMetadata(ctx, id)
	return md, serverError(err)
}

func (h *handler) ClientDataSets(ctx context.Context, client string) ([]chain.DataSet, error) {
	return h.reader.ClientDataSets(ctx, client)
}

func (h *handler) ClientDataSetsWithDetails(ctx context.Context, client string) ([]chain.DataSet, error) {
	return h.reader.ClientDataSetsWithDetails(ctx, client)
}

func (h *handler) IsProviderApproved(ctx context.Context, providerID uint64) (bool, error) {
	return h.reader.IsProviderApproved(ctx, providerID)
}

func (h *handler) ApprovedProviderIDs(ctx context.Context) ([]uint64, error) {
	return h.reader.ApprovedProviderIDs(ctx)
}

func (h *handler) Provider(ctx context.Context, id uint64) (chain.Provider, error) {
	p, err := h.registry.Provider(ctx, id)
	return p, serverError(err)
}

func (h *handler) ProviderByAddress(ctx context.Context, address string) (chain.Provider, error) {
	p, err := h.registry.ProviderByAddress(ctx, address)
	return p, serverError(err)
}

func (h *handler) ProviderWithProduct(ctx context.Context, id uint64, typ chain.ProductType) (chain.ProviderWithProduct, error) {
	pp, err := h.registry.ProviderWithProduct(ctx, id, typ)
	return pp, serverError(err)
}

func (h *handler) Address(context.Context) (string, error) {
	return h.signer.Address(), nil
}

func (h *handler) SignCreateDataSet(ctx context.Context, clientDataSetID uint64, payee string, metadata []chain.MetadataEntry) (string, error) {
	return h.signer.SignCreateDataSet(ctx, clientDataSetID, payee, metadata)
}

func (h *handler) SignAddPieces(ctx context.Context, clientDataSetID uint64, pieces []cid.Cid, metadata [][]chain.MetadataEntry) (string, error) {
	return h.signer.SignAddPieces(ctx, clientDataSetID, pieces, metadata)
}

// NewHandler returns an http.Handler serving the gateway methods. A
// non-empty token must be presented as a bearer token.
func NewHandler(reader chain.DatasetReader, registry chain.ProviderRegistry, signer chain.Signer, token string) http.Handler {
	srv := jsonrpc.NewServer(jsonrpc.WithServerErrors(Errors))
	srv.Register(Namespace, &handler{reader: reader, registry: registry, signer: signer})
	if token == "" {
		return srv
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		srv.ServeHTTP(w, r)
	})
}
