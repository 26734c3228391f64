// Package main — cmd/egs-gateway/main.go
//
// EGS gateway daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/egs-gateway/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open BoltDB storage (lamp state + emergency events).
//  4. Prune stale event ledger entries.
//  5. Start Prometheus metrics + /healthz server.
//  6. Construct Transport, Command Pipeline, Zone Registry, SyncState.
//  7. Start the pipeline worker goroutine.
//  8. Construct the Zone Orchestrator and the Assertion Loop; start the loop.
//  9. Start the control socket server; block on SIGINT/SIGTERM.
//
// Shutdown sequence: cancel the root context (stops pipeline worker,
// assertion loop, metrics server, control server), close the BoltDB handle,
// flush the logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/egs-gateway/internal/config"
	"github.com/octoreflex/egs-gateway/internal/control"
	"github.com/octoreflex/egs-gateway/internal/observability"
	"github.com/octoreflex/egs-gateway/internal/orchestrator"
	"github.com/octoreflex/egs-gateway/internal/pipeline"
	"github.com/octoreflex/egs-gateway/internal/store"
	"github.com/octoreflex/egs-gateway/internal/transport"
	"github.com/octoreflex/egs-gateway/internal/zone"
)

func main() {
	configPath := flag.String("config", "/etc/egs-gateway/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("egs-gateway %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("egs-gateway starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.String("edge_bridge", cfg.Transport.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.Storage.DBPath, cfg.Storage.EventRetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	if pruned, err := db.PruneOldEvents(); err != nil {
		log.Warn("event ledger pruning failed", zap.Error(err))
	} else {
		log.Info("event ledger pruned", zap.Int("deleted", pruned))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	tr := transport.New(cfg.Transport.Addr, cfg.Transport.DialTimeout, log.Named("transport"))
	health := pipeline.NewHealthTable()
	pl := pipeline.New(tr, cfg.Pipeline, cfg.Transport.ReconnectBackoffMin, cfg.Transport.ReconnectBackoffMax,
		log.Named("pipeline"), metrics, health)
	go pl.Run(ctx)
	log.Info("command pipeline worker started")

	reg := zone.NewRegistry()
	sync := zone.NewSyncState()

	oc := orchestrator.New(reg, sync, pl, orchestrator.Config{}, log.Named("orchestrator"), metrics, db, db)

	assertLoop := assertionLoop(reg, sync, pl, cfg, metrics, log)
	go assertLoop.Run(ctx)
	log.Info("assertion loop started")

	core := &coreAdapter{oc: oc, pl: pl, sync: sync}
	ctrl := control.NewServer(cfg.Control.SocketPath, cfg.Control.MaxConns, cfg.Control.MaxRequestBytes, core, log.Named("control"))
	go func() {
		if err := ctrl.ListenAndServe(ctx); err != nil {
			log.Error("control server error", zap.Error(err))
		}
	}()
	log.Info("control socket started", zap.String("path", cfg.Control.SocketPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let goroutines observe cancellation
	log.Info("egs-gateway shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
