package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.pdpstore.dev/synapse/build"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/chain/rpc"
	"go.pdpstore.dev/synapse/config"
	shttp "go.pdpstore.dev/synapse/http"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/persist/badger"
	"go.pdpstore.dev/synapse/persist/sqlite"
	"go.pdpstore.dev/synapse/piece"
	"go.pdpstore.dev/synapse/resolver"
	"go.pdpstore.dev/synapse/retriever"
	"go.pdpstore.dev/synapse/storage"
	"go.sia.tech/jape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	dir        = "."
	configPath = ""
	cfg        = config.Default()
)

// mustLoadConfig loads the config file.
func mustLoadConfig(path string, log *zap.Logger) {
	// If the config file doesn't exist, don't try to load it.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatal("failed to open config file", zap.Error(err))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		log.Fatal("failed to decode config file", zap.Error(err))
	}
}

// mustNetwork returns the configured network.
func mustNetwork(log *zap.Logger) chain.Network {
	network, err := chain.NetworkByName(cfg.Network.Name)
	if err != nil {
		log.Fatal("invalid network", zap.Error(err))
	}
	if cfg.Network.WarmStorageAddress != "" {
		network.WarmStorage = cfg.Network.WarmStorageAddress
	}
	if cfg.Network.RegistryAddress != "" {
		network.ProviderRegistry = cfg.Network.RegistryAddress
	}
	return network
}

// pdpOptions returns the polling options of provider PDP clients.
func pdpOptions(c config.PDP) []pdp.Option {
	return []pdp.Option{
		pdp.WithCreationPolling(c.CreationPollInterval, c.CreationTimeout),
		pdp.WithAdditionPolling(c.AdditionPollInterval, c.AdditionTimeout),
		pdp.WithPieceWait(c.PieceTimeout, c.PiecePollInterval),
	}
}

func parseLevel(s string) (zap.AtomicLevel, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel), true
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel), true
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel), true
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel), true
	default:
		return zap.AtomicLevel{}, false
	}
}

func main() {
	// configure console logging note: this is configured before anything else
	// to have consistent logging.
	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.TimeKey = "" // prevent duplicate timestamps
	consoleCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleCfg.EncodeDuration = zapcore.StringDurationEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.StacktraceKey = ""
	consoleCfg.CallerKey = ""
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(zap.InfoLevel))
	log := zap.New(consoleCore, zap.AddCaller())
	defer log.Sync()
	// redirect stdlib log to zap
	zap.RedirectStdLog(log.Named("stdlib"))

	flag.StringVar(&dir, "dir", dir, "directory to use for data")
	flag.StringVar(&configPath, "config", configPath, "path to the config file (default <dir>/synapsed.yml)")
	flag.Parse()

	if configPath == "" {
		configPath = filepath.Join(dir, "synapsed.yml")
	}
	mustLoadConfig(configPath, log)

	level, ok := parseLevel(cfg.Log.Level)
	if !ok {
		log.Fatal("invalid log level", zap.String("level", cfg.Log.Level))
	}
	log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	network := mustNetwork(log)
	gatewayAddress := cfg.Gateway.Address
	if gatewayAddress == "" {
		log.Fatal("gateway address is required")
	}
	gateway, err := rpc.Dial(ctx, gatewayAddress, cfg.Gateway.Token)
	if err != nil {
		log.Fatal("failed to connect to gateway", zap.Error(err))
	}
	defer gateway.Close()

	ledger, err := sqlite.OpenDatabase(filepath.Join(dir, "synapse.sqlite3"), log.Named("sqlite3"))
	if err != nil {
		log.Fatal("failed to open sqlite database", zap.Error(err))
	}
	defer ledger.Close()

	httpClient := &http.Client{Timeout: cfg.PDP.RequestTimeout}
	opts := []storage.Option{
		storage.WithLog(log),
		storage.WithHTTPClient(httpClient),
		storage.WithLedger(ledger),
		storage.WithConfirmAdditions(cfg.PDP.ConfirmAdditions),
		storage.WithUploadConcurrency(cfg.PDP.UploadConcurrency),
		storage.WithExcludedProviders(cfg.Selection.ExcludedProviders...),
		storage.WithPDPOptions(pdpOptions(cfg.PDP)...),
		storage.WithResolverOptions(resolver.WithProbeTimeout(cfg.Selection.ProbeTimeout)),
	}

	if cfg.Cache.Enabled {
		db, err := badger.OpenDatabase(filepath.Join(dir, "synapse.badgerdb"), log.Named("badger"))
		if err != nil {
			log.Fatal("failed to open badger database", zap.Error(err))
		}
		defer db.Close()
		opts = append(opts, storage.WithPieceCache(db))
	}

	ropts := []retriever.Option{
		retriever.WithParallel(cfg.Retrieval.Parallel),
		retriever.WithTimeout(cfg.Retrieval.Timeout),
		retriever.WithEndpointCache(cfg.Retrieval.CacheSize, cfg.Retrieval.CacheTTL),
	}
	var verifier piece.Digester
	if cfg.Retrieval.Verify {
		verifier = piece.CommPDigester{}
		ropts = append(ropts, retriever.WithVerification(verifier))
	}
	if cfg.Retrieval.CDN && network.FilBeamDomain != "" {
		cdn := retriever.NewHTTPRetriever(httpClient, retriever.FilBeamURL(network.FilBeamDomain), verifier)
		ropts = append(ropts, retriever.WithFallback(cdn))
	}
	ropts = append(ropts, retriever.WithLog(log), retriever.WithHTTPClient(httpClient))
	chainRetriever, err := retriever.New(gateway, gateway, ropts...)
	if err != nil {
		log.Fatal("failed to create retriever", zap.Error(err))
	}
	downloader, err := retriever.NewDownloader(chainRetriever, cfg.Retrieval.Workers, cfg.Retrieval.MemoryCacheSize, cfg.Retrieval.Timeout, log)
	if err != nil {
		log.Fatal("failed to create downloader", zap.Error(err))
	}
	defer downloader.Close()
	opts = append(opts, storage.WithRetriever(downloader))

	manager, err := storage.New(gateway, gateway, gateway, network, opts...)
	if err != nil {
		log.Fatal("failed to create storage manager", zap.Error(err))
	}

	apiListener, err := net.Listen("tcp", cfg.API.Address)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}
	defer apiListener.Close()

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", jape.BasicAuth(cfg.API.Password)(shttp.NewAPIHandler(manager, ledger, log.Named("api")))))
	apiServer := &http.Server{
		Handler: mux,
	}
	defer apiServer.Close()

	go func() {
		if err := apiServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to serve api", zap.Error(err))
		}
	}()

	log.Info("synapsed started",
		zap.String("network", network.Name),
		zap.String("address", gateway.Address()),
		zap.String("apiAddress", apiListener.Addr().String()),
		zap.String("version", build.Version()),
		zap.String("revision", build.Commit()),
		zap.Time("buildTime", build.Time()))

	<-ctx.Done()
}
