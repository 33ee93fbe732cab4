// Package main provides the chainledgerd daemon: streaming imports,
// provider failover, transfer matching, and the JSON-RPC API.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainledger/chainledger/internal/adapters/bitcoin"
	"github.com/chainledger/chainledger/internal/adapters/csvexport"
	"github.com/chainledger/chainledger/internal/adapters/ethereum"
	"github.com/chainledger/chainledger/internal/adapters/kraken"
	"github.com/chainledger/chainledger/internal/config"
	"github.com/chainledger/chainledger/internal/events"
	"github.com/chainledger/chainledger/internal/importer"
	"github.com/chainledger/chainledger/internal/matching"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/internal/rpc"
	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.chainledger", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("chainledgerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	// Update logging with config level and optional file output
	var logOutput io.Writer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer f.Close()
		logOutput = f
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOutput,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.Path(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&cfg.Storage)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "dir", cfg.Storage.DataDir)

	// Event bus shared by the runner, the provider manager and the API
	bus := events.NewBus()

	// Provider manager with the configured explorer endpoints
	providers := provider.NewManager(bus, log)
	for chain := range cfg.Providers {
		instances, err := cfg.BuildProviders(chain)
		if err != nil {
			log.Fatal("Failed to build providers", "chain", chain, "error", err)
		}
		for _, inst := range instances {
			providers.Register(chain, inst.Provider, inst.Routing)
			log.Info("Provider registered", "chain", chain, "provider", inst.Provider.Name())
		}
	}

	// Probe provider health once at startup; failures only log.
	healthCtx, healthCancel := context.WithTimeout(ctx, 30*time.Second)
	providers.HealthCheck(healthCtx)
	healthCancel()

	// Adapter registry
	reg := registry.New()
	reg.RegisterBlockchain(bitcoin.New())
	reg.RegisterBlockchain(ethereum.New())

	if ex, ok := cfg.Exchanges["kraken"]; ok {
		client, err := kraken.NewHTTPClient(ex.BaseURL, ex.APIKey, ex.APISecret)
		if err != nil {
			log.Fatal("Failed to create kraken client", "error", err)
		}
		reg.RegisterExchange(kraken.New(client))
	}
	for _, name := range cfg.CSVExchanges {
		reg.RegisterExchange(csvexport.New(name))
	}
	log.Info("Adapters registered", "blockchains", reg.Blockchains(), "exchanges", reg.Exchanges())

	// Import runner and matching service
	runner := importer.NewRunner(store, reg, providers, bus, cfg.Import, log)
	matcher := matching.NewService(store, reg, cfg.Matching, log)

	// Start RPC server
	rpcServer := rpc.NewServer(store, reg, runner, matcher, providers, bus)
	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Cancel in-flight imports and give them one grace period to reach
	// a durable batch boundary before the process exits.
	cancel()
	time.Sleep(cfg.Import.CancellationGracePeriod())

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  chainledger daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
