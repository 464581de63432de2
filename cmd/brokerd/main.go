// Package main provides brokerd, the atomic-swap broker daemon: it ticks
// the deal state machine and the outbound queue worker over a shared
// SQLite ledger, dispatching transfers through whichever chain adapters
// are configured for this deployment.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/atomicbroker/internal/backend"
	"github.com/klingon-exchange/atomicbroker/internal/chain"
	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/chainadapter/evm"
	"github.com/klingon-exchange/atomicbroker/internal/chainadapter/utxo"
	"github.com/klingon-exchange/atomicbroker/internal/config"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/lease"
	"github.com/klingon-exchange/atomicbroker/internal/queueworker"
	"github.com/klingon-exchange/atomicbroker/internal/statemachine"
	"github.com/klingon-exchange/atomicbroker/internal/statusapi"
	"github.com/klingon-exchange/atomicbroker/internal/wallet"
	"github.com/klingon-exchange/atomicbroker/pkg/logging"
	"github.com/klingon-exchange/atomicbroker/pkg/metrics"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.atomicbroker", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet chain params")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides settings.yaml")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		println("brokerd", version, "commit", commit)
		os.Exit(0)
	}

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	settings, err := config.LoadSettings(*dataDir)
	if err != nil {
		log.Fatal("failed to load settings", "error", err)
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	log = logging.New(&logging.Config{Level: settings.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	network := chain.Mainnet
	if *testnet || settings.Network == "testnet" {
		network = chain.Testnet
	}

	brokerCfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load broker settings from environment", "error", err)
	}

	dataPath := expandPath(settings.Storage.DataDir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("failed to create data directory", "error", err, "path", dataPath)
	}

	led, err := ledger.New(&ledger.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("failed to open ledger", "error", err)
	}

	registry, err := buildChainRegistry(log, brokerCfg, network)
	if err != nil {
		log.Fatal("failed to build chain adapter registry", "error", err)
	}

	leaseMgr := lease.NewManager(led, lease.RealClock{}, lease.DefaultTTL)
	reg := metrics.New()

	dealDriver := statemachine.NewDriver(led, registry, leaseMgr, brokerCfg)
	dealDriver.SetMetrics(reg)

	queueDriver := queueworker.NewDriver(led, registry, brokerCfg)
	queueDriver.SetMetrics(reg)

	tokenSecret := sha256.Sum256([]byte(brokerCfg.Global.HotWalletSeed))
	api := statusapi.NewServer(led, tokenSecret[:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := api.Start(settings.StatusAPI.ListenAddr); err != nil {
			log.Error("status API server stopped", "error", err)
		}
	}()
	log.Info("status API listening", "addr", settings.StatusAPI.ListenAddr)

	metricsSrv := startMetricsServer(log, reg, settings.Metrics.ListenAddr)

	dealTicker := time.NewTicker(settings.DealTick)
	defer dealTicker.Stop()
	queueTicker := time.NewTicker(settings.QueueTick)
	defer queueTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-dealTicker.C:
				if err := dealDriver.Tick(ctx); err != nil {
					log.Error("deal driver tick failed", "error", err)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-queueTicker.C:
				if err := queueDriver.Tick(ctx); err != nil {
					log.Error("queue driver tick failed", "error", err)
				}
			}
		}
	}()

	log.Info("brokerd started", "data_dir", dataPath, "network", network,
		"deal_tick", settings.DealTick, "queue_tick", settings.QueueTick)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	if err := api.Stop(); err != nil {
		log.Error("error stopping status API", "error", err)
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("error stopping metrics server", "error", err)
		}
	}
	log.Info("brokerd stopped")
}

// buildChainRegistry constructs one adapter per chain that carries enough
// environment configuration to be useful; chains left unconfigured (no
// RPC/Electrum endpoint) are skipped with a warning rather than failing
// startup, since a given deployment rarely needs every known chain.
func buildChainRegistry(log *logging.Logger, cfg *config.BrokerConfig, network chain.Network) (*chainadapter.Registry, error) {
	reg := chainadapter.NewRegistry()

	escrowWallet, err := loadEscrowWallet(log, cfg, network)
	if err != nil {
		return nil, err
	}

	var tankKey *btcec.PrivateKey
	if cfg.Global.TankWalletKey != "" {
		raw, err := hex.DecodeString(cfg.Global.TankWalletKey)
		if err != nil {
			return nil, err
		}
		tankKey, _ = btcec.PrivKeyFromBytes(raw)
	}

	backends := backend.NewDefaultRegistry(network)
	ctx := context.Background()

	for _, symbol := range []string{"ETH"} {
		params, ok := chain.Get(symbol, network)
		if !ok || params.Type != chain.ChainTypeEVM {
			continue
		}
		rpcURL := os.Getenv(symbol + "_RPC")
		if rpcURL == "" {
			log.Warn("no RPC configured, skipping chain adapter", "chain", symbol)
			continue
		}

		opKey, err := escrowWallet.DerivePrivateKey(symbol, 0, 0)
		if err != nil {
			return nil, err
		}

		adapter, err := evm.Dial(ctx, evm.Config{
			Symbol:        symbol,
			Network:       network,
			RPCURL:        rpcURL,
			EscrowWallet:  escrowWallet,
			OperatorKey:   wallet.ToECDSA(opKey),
			BrokerAddress: config.GetBrokerContract(params.ChainID),
		})
		if err != nil {
			log.Error("failed to dial EVM chain, skipping", "chain", symbol, "error", err)
			continue
		}
		reg.Register(symbol, adapter)
		log.Info("registered EVM chain adapter", "chain", symbol)
	}

	for _, symbol := range []string{"BTC", "UNICITY"} {
		params, ok := chain.Get(symbol, network)
		if !ok || params.Type != chain.ChainTypeBitcoin {
			continue
		}
		be, ok := backends.Get(symbol)
		if !ok {
			log.Warn("no backend configured, skipping chain adapter", "chain", symbol)
			continue
		}

		adapter, err := utxo.New(utxo.Config{
			Symbol:       symbol,
			Network:      network,
			Backend:      be,
			EscrowWallet: escrowWallet,
			TankKey:      tankKey,
		})
		if err != nil {
			log.Error("failed to build UTXO chain adapter, skipping", "chain", symbol, "error", err)
			continue
		}
		reg.Register(symbol, adapter)
		log.Info("registered UTXO chain adapter", "chain", symbol)
	}

	return reg, nil
}

// loadEscrowWallet derives the escrow wallet either from a plaintext seed
// supplied by the environment (the common case, backed by a secrets
// manager injecting HOT_WALLET_SEED at container start) or, when
// WALLET_SEED_FILE is set, from an Argon2id/AES-256-GCM encrypted mnemonic
// file unlocked with WALLET_SEED_PASSWORD. The encrypted-file path lets an
// operator keep the mnemonic off the process environment entirely, at the
// cost of provisioning the password through some other channel.
func loadEscrowWallet(log *logging.Logger, cfg *config.BrokerConfig, network chain.Network) (*wallet.Wallet, error) {
	seedFile := os.Getenv("WALLET_SEED_FILE")
	if seedFile == "" {
		return wallet.NewFromSeed([]byte(cfg.Global.HotWalletSeed), network)
	}

	password := os.Getenv("WALLET_SEED_PASSWORD")
	if password == "" {
		return nil, errors.New("WALLET_SEED_FILE set but WALLET_SEED_PASSWORD is empty")
	}

	encrypted, err := wallet.LoadEncryptedSeed(seedFile)
	if err != nil {
		return nil, err
	}
	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}

	log.Info("escrow wallet unlocked from encrypted seed file", "path", seedFile)
	return wallet.NewFromMnemonic(mnemonic, "", network)
}

// startMetricsServer serves the Prometheus exposition endpoint on its own
// listener, separate from the status API, so an operator can firewall
// metrics scraping independently of the deal-status surface.
func startMetricsServer(log *logging.Logger, reg *metrics.Registry, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
