// Package chain defines the on-chain view of data sets and storage
// providers, and the narrow interfaces through which they are read and
// written.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// ProductTypePDP is the registry product type of a PDP storage offering.
const ProductTypePDP ProductType = 0

// ErrNotFound is returned when a data set or provider does not exist.
var ErrNotFound = errors.New("not found")

type (
	// A ProductType identifies a product in the provider registry.
	ProductType uint8

	// A DataSet is a provider-scoped, payer-owned collection of pieces.
	// PDPEndEpoch is zero while the data set is not terminated.
	DataSet struct {
		ID               uint64            `json:"dataSetId"`
		ClientDataSetID  uint64            `json:"clientDataSetId"`
		ProviderID       uint64            `json:"providerId"`
		Payer            string            `json:"payer"`
		Payee            string            `json:"payee"`
		PDPEndEpoch      uint64            `json:"pdpEndEpoch"`
		Metadata         map[string]string `json:"metadata,omitempty"`
		IsLive           bool              `json:"isLive"`
		IsManaged        bool              `json:"isManaged"`
		ActivePieceCount uint64            `json:"activePieceCount"`
	}

	// A Provider is a registered storage provider.
	Provider struct {
		ID             uint64 `json:"providerId"`
		ServiceAddress string `json:"serviceProvider"`
		PayeeAddress   string `json:"payee"`
		Name           string `json:"name"`
		Description    string `json:"description"`
		IsActive       bool   `json:"isActive"`
	}

	// A Product is an offering of a provider. Capability values are carried
	// alongside in ProviderWithProduct.
	Product struct {
		Type           ProductType `json:"productType"`
		CapabilityKeys []string    `json:"capabilityKeys"`
		IsActive       bool        `json:"isActive"`
	}

	// ProviderWithProduct is a provider together with one of its products.
	ProviderWithProduct struct {
		Provider         Provider `json:"provider"`
		Product          Product  `json:"product"`
		CapabilityValues [][]byte `json:"productCapabilityValues"`
	}
)

// DatasetReader reads data set state from the storage service.
type DatasetReader interface {
	// DataSet returns the data set with the given id or ErrNotFound.
	DataSet(ctx context.Context, id uint64) (DataSet, error)
	DataSetMetadata(ctx context.Context, id uint64) (map[string]string, error)
	// ClientDataSets returns every data set paid for by the client.
	ClientDataSets(ctx context.Context, client string) ([]DataSet, error)
	// ClientDataSetsWithDetails is ClientDataSets with the liveness,
	// management, piece count and metadata fields filled in.
	ClientDataSetsWithDetails(ctx context.Context, client string) ([]DataSet, error)
	IsProviderApproved(ctx context.Context, providerID uint64) (bool, error)
	ApprovedProviderIDs(ctx context.Context) ([]uint64, error)
}

// ProviderRegistry reads the provider registry.
type ProviderRegistry interface {
	// Provider returns the provider with the given id or ErrNotFound.
	Provider(ctx context.Context, id uint64) (Provider, error)
	// ProviderByAddress returns the provider registered by the given
	// service address or ErrNotFound.
	ProviderByAddress(ctx context.Context, address string) (Provider, error)
	ProviderWithProduct(ctx context.Context, id uint64, typ ProductType) (ProviderWithProduct, error)
}

// A Signer produces the signed extra data that authorizes data set
// creation and piece additions on behalf of the client.
type Signer interface {
	Address() string
	SignCreateDataSet(ctx context.Context, clientDataSetID uint64, payee string, metadata []MetadataEntry) (string, error)
	SignAddPieces(ctx context.Context, clientDataSetID uint64, pieces []cid.Cid, metadata [][]MetadataEntry) (string, error)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// String implements fmt.Stringer.
func (ds DataSet) String() string {
	return fmt.Sprintf("data set %d (provider %d)", ds.ID, ds.ProviderID)
}
