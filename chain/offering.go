package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Capability keys of a PDP product.
const (
	CapServiceURL       = "serviceURL"
	CapMinPieceSize     = "minPieceSizeInBytes"
	CapMaxPieceSize     = "maxPieceSizeInBytes"
	CapStoragePrice     = "storagePricePerTibPerDay"
	CapMinProvingPeriod = "minProvingPeriodInEpochs"
	CapLocation         = "location"
	CapPaymentToken     = "paymentTokenAddress"
	CapIPNIPiece        = "ipniPiece"
	CapIPNIIPFS         = "ipniIpfs"
	CapIPNIPeerID       = "ipniPeerId"
	capIPNIPeerIDLegacy = "IPNIPeerID"
)

// ErrNoServiceURL is returned when a provider's offering has no service
// URL.
var ErrNoServiceURL = errors.New("offering has no service URL")

// A PDPOffering is the decoded capability set of a provider's PDP product.
type PDPOffering struct {
	ServiceURL               string   `json:"serviceURL"`
	MinPieceSize             uint64   `json:"minPieceSizeInBytes"`
	MaxPieceSize             uint64   `json:"maxPieceSizeInBytes"`
	StoragePricePerTiBPerDay *big.Int `json:"storagePricePerTibPerDay"`
	MinProvingPeriod         uint64   `json:"minProvingPeriodInEpochs"`
	Location                 string   `json:"location"`
	PaymentToken             string   `json:"paymentTokenAddress"`
	IPNIPiece                bool     `json:"ipniPiece"`
	IPNIIPFS                 bool     `json:"ipniIpfs"`
	IPNIPeerID               peer.ID  `json:"ipniPeerId,omitempty"`
}

// Fits reports whether a piece of the given size is within the offering's
// bounds. Zero bounds are unbounded.
func (o PDPOffering) Fits(size uint64) bool {
	if o.MinPieceSize != 0 && size < o.MinPieceSize {
		return false
	}
	return o.MaxPieceSize == 0 || size <= o.MaxPieceSize
}

func decodeUint(key string, b []byte) (uint64, error) {
	n := new(big.Int).SetBytes(b)
	if !n.IsUint64() {
		return 0, fmt.Errorf("capability %q overflows uint64", key)
	}
	return n.Uint64(), nil
}

func decodeAddress(b []byte) string {
	if len(b) > 20 {
		b = b[len(b)-20:]
	}
	padded := make([]byte, 20)
	copy(padded[20-len(b):], b)
	return "0x" + hex.EncodeToString(padded)
}

// DecodePDPOffering decodes the capabilities of a PDP product.
func DecodePDPOffering(p ProviderWithProduct) (PDPOffering, error) {
	keys := p.Product.CapabilityKeys
	if len(keys) != len(p.CapabilityValues) {
		return PDPOffering{}, fmt.Errorf("provider %d: %d capability keys but %d values", p.Provider.ID, len(keys), len(p.CapabilityValues))
	}
	caps := make(map[string][]byte, len(keys))
	for i, k := range keys {
		caps[k] = p.CapabilityValues[i]
	}

	if len(caps[CapServiceURL]) == 0 {
		return PDPOffering{}, fmt.Errorf("provider %d: %w", p.Provider.ID, ErrNoServiceURL)
	}
	o := PDPOffering{ServiceURL: string(caps[CapServiceURL])}

	var err error
	for key, dst := range map[string]*uint64{
		CapMinPieceSize:     &o.MinPieceSize,
		CapMaxPieceSize:     &o.MaxPieceSize,
		CapMinProvingPeriod: &o.MinProvingPeriod,
	} {
		if v, ok := caps[key]; ok {
			if *dst, err = decodeUint(key, v); err != nil {
				return PDPOffering{}, fmt.Errorf("provider %d: %w", p.Provider.ID, err)
			}
		}
	}
	o.StoragePricePerTiBPerDay = new(big.Int).SetBytes(caps[CapStoragePrice])
	o.Location = string(caps[CapLocation])
	if v, ok := caps[CapPaymentToken]; ok {
		o.PaymentToken = decodeAddress(v)
	}
	o.IPNIPiece = len(caps[CapIPNIPiece]) == 1 && caps[CapIPNIPiece][0] == 1
	o.IPNIIPFS = len(caps[CapIPNIIPFS]) == 1 && caps[CapIPNIIPFS][0] == 1

	peerBytes, ok := caps[CapIPNIPeerID]
	if !ok {
		peerBytes = caps[capIPNIPeerIDLegacy]
	}
	if len(peerBytes) > 0 {
		// an undecodable peer id only disables IPNI lookups
		if id, err := peer.IDFromBytes(peerBytes); err == nil {
			o.IPNIPeerID = id
		}
	}
	return o, nil
}

// Capabilities encodes the offering as registry capability keys and values.
func (o PDPOffering) Capabilities() (keys []string, values [][]byte) {
	add := func(k string, v []byte) {
		keys = append(keys, k)
		values = append(values, v)
	}
	word := func(n *big.Int) []byte {
		return n.FillBytes(make([]byte, 32))
	}
	price := o.StoragePricePerTiBPerDay
	if price == nil {
		price = new(big.Int)
	}

	add(CapServiceURL, []byte(o.ServiceURL))
	add(CapMinPieceSize, word(new(big.Int).SetUint64(o.MinPieceSize)))
	add(CapMaxPieceSize, word(new(big.Int).SetUint64(o.MaxPieceSize)))
	if o.IPNIPiece {
		add(CapIPNIPiece, []byte{1})
	}
	if o.IPNIIPFS {
		add(CapIPNIIPFS, []byte{1})
	}
	add(CapStoragePrice, word(price))
	add(CapMinProvingPeriod, word(new(big.Int).SetUint64(o.MinProvingPeriod)))
	add(CapLocation, []byte(o.Location))
	if o.PaymentToken != "" {
		if b, err := hex.DecodeString(trimHexPrefix(o.PaymentToken)); err == nil {
			add(CapPaymentToken, b)
		}
	}
	if o.IPNIPeerID != "" {
		add(CapIPNIPeerID, []byte(o.IPNIPeerID))
	}
	return
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
