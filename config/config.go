package config

import (
	"time"
)

type (
	// Network selects the network and optionally overrides its contract
	// addresses.
	Network struct {
		// Name is "mainnet" or "calibration".
		Name               string `yaml:"name"`
		WarmStorageAddress string `yaml:"warmStorageAddress"`
		RegistryAddress    string `yaml:"registryAddress"`
	}

	// Gateway contains the address and token of the JSON-RPC gateway that
	// reads chain state and signs requests on behalf of the client.
	Gateway struct {
		Address string `yaml:"address"`
		Token   string `yaml:"token"`
	}

	// PDP configures requests to provider PDP services.
	PDP struct {
		RequestTimeout       time.Duration `yaml:"requestTimeout"`
		CreationPollInterval time.Duration `yaml:"creationPollInterval"`
		CreationTimeout      time.Duration `yaml:"creationTimeout"`
		PieceTimeout         time.Duration `yaml:"pieceTimeout"`
		// PiecePollInterval is the longest delay between checks for an
		// uploaded piece to become findable.
		PiecePollInterval    time.Duration `yaml:"piecePollInterval"`
		AdditionPollInterval time.Duration `yaml:"additionPollInterval"`
		AdditionTimeout      time.Duration `yaml:"additionTimeout"`
		// ConfirmAdditions waits for piece additions to be confirmed before
		// an upload returns.
		ConfirmAdditions  bool `yaml:"confirmAdditions"`
		UploadConcurrency int  `yaml:"uploadConcurrency"`
	}

	// Selection configures provider selection.
	Selection struct {
		ProbeTimeout      time.Duration `yaml:"probeTimeout"`
		ExcludedProviders []uint64      `yaml:"excludedProviders"`
	}

	// Retrieval configures piece downloads.
	Retrieval struct {
		Parallel bool          `yaml:"parallel"`
		Timeout  time.Duration `yaml:"timeout"`
		// Verify recomputes the piece CID of downloaded data.
		Verify    bool          `yaml:"verify"`
		CacheSize int           `yaml:"cacheSize"`
		CacheTTL  time.Duration `yaml:"cacheTTL"`
		// CDN falls back to the network's CDN when no provider serves a
		// piece.
		CDN bool `yaml:"cdn"`
		// Workers bounds the number of concurrent piece downloads.
		Workers int `yaml:"workers"`
		// MemoryCacheSize is the number of downloaded pieces kept in
		// memory.
		MemoryCacheSize int `yaml:"memoryCacheSize"`
	}

	// Cache configures the piece info cache.
	Cache struct {
		Enabled bool `yaml:"enabled"`
	}

	// API contains the listen address of the API server
	API struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Log contains the log settings
	Log struct {
		Level string `yaml:"level"`
	}

	// Config contains the configuration for synapsed
	Config struct {
		Network   Network   `yaml:"network"`
		Gateway   Gateway   `yaml:"gateway"`
		PDP       PDP       `yaml:"pdp"`
		Selection Selection `yaml:"selection"`
		Retrieval Retrieval `yaml:"retrieval"`
		Cache     Cache     `yaml:"cache"`
		API       API       `yaml:"api"`
		Log       Log       `yaml:"log"`
	}
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Network: Network{
			Name: "calibration",
		},
		PDP: PDP{
			RequestTimeout:       5 * time.Minute,
			CreationPollInterval: 2 * time.Second,
			CreationTimeout:      7 * time.Minute,
			PieceTimeout:         7 * time.Minute,
			PiecePollInterval:    2 * time.Second,
			AdditionPollInterval: time.Second,
			AdditionTimeout:      7 * time.Minute,
			UploadConcurrency:    4,
		},
		Selection: Selection{
			ProbeTimeout: 5 * time.Second,
		},
		Retrieval: Retrieval{
			Parallel:  true,
			Timeout:   30 * time.Second,
			CacheSize: 256,
			CacheTTL:  10 * time.Minute,

			Workers:         16,
			MemoryCacheSize: 64,
		},
		Cache: Cache{
			Enabled: true,
		},
		API: API{
			Address: "localhost:8484",
		},
		Log: Log{
			Level: "info",
		},
	}
}
