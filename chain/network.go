package chain

import "fmt"

// A Network describes the contracts and endpoints of a Filecoin network.
type Network struct {
	Name             string
	ChainID          uint64
	RPCURL           string
	WarmStorage      string
	ProviderRegistry string
	// FilBeamDomain is the CDN domain; pieces of CDN-enabled data sets are
	// served from https://{payer}.{FilBeamDomain}/{pieceCid}.
	FilBeamDomain string
}

// Known networks.
var (
	Mainnet = Network{
		Name:             "mainnet",
		ChainID:          314,
		RPCURL:           "https://api.node.glif.io/rpc/v1",
		WarmStorage:      "0x8408502033C418E1bbC97cE9ac48E5528F371A9f",
		ProviderRegistry: "0xf55dDbf63F1b55c3F1D4FA7e339a68AB7b64A5eB",
		FilBeamDomain:    "filbeam.io",
	}
	Calibration = Network{
		Name:             "calibration",
		ChainID:          314159,
		RPCURL:           "https://api.calibration.node.glif.io/rpc/v1",
		WarmStorage:      "0x02925630df557F957f70E112bA06e50965417CA0",
		ProviderRegistry: "0x839e5c9988e4e9977d40708d0094103c0839Ac9D",
		FilBeamDomain:    "calibration.filbeam.io",
	}
)

// NetworkByName returns the named network.
func NetworkByName(name string) (Network, error) {
	switch name {
	case Mainnet.Name:
		return Mainnet, nil
	case Calibration.Name:
		return Calibration, nil
	default:
		return Network{}, fmt.Errorf("unknown network %q", name)
	}
}
