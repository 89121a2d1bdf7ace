// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Telemetryd is the device-resident telemetry daemon. It ingests atom
// events, evaluates them against per-client metric configurations, and
// serves reports, statistics, and live subscriptions over its control
// socket. A platform companion process owns the OS alarm machinery and
// the privileged pullers; the daemon dials it on demand and survives
// its death.
//
// On startup:
//  1. Loads the YAML configuration (TELEMETRYD_CONFIG or --config).
//  2. Opens the report store and the restricted metrics database.
//  3. Reloads persisted configs into the metrics engine and sweeps
//     expired report files.
//  4. Binds the control socket and pings the companion.
//  5. Arms the boot gate; once the platform releases the startup
//     tokens and the settle delay passes, bucketing begins in earnest.
//
// Shutdown flushes every live collection to disk, so a restart loses
// queued events but never closed buckets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telemetryd/telemetryd/alarm"
	"github.com/telemetryd/telemetryd/boot"
	"github.com/telemetryd/telemetryd/companion"
	"github.com/telemetryd/telemetryd/confstore"
	"github.com/telemetryd/telemetryd/control"
	"github.com/telemetryd/telemetryd/engine"
	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/identity"
	"github.com/telemetryd/telemetryd/ingest"
	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/config"
	"github.com/telemetryd/telemetryd/lib/process"
	"github.com/telemetryd/telemetryd/lib/service"
	"github.com/telemetryd/telemetryd/lib/version"
	"github.com/telemetryd/telemetryd/pull"
	"github.com/telemetryd/telemetryd/restricted"
	"github.com/telemetryd/telemetryd/storage"
	"github.com/telemetryd/telemetryd/uidmap"
)

// maintenanceInterval paces the background sweeps: expired report
// files and out-of-ttl restricted rows.
const maintenanceInterval = time.Hour

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to telemetryd.yaml (defaults to $TELEMETRYD_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("telemetryd")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	logger.Info("telemetryd starting", "version", version.Info(), "environment", string(cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	stats := guardrail.NewCollector()

	guard := identity.NewGuard(identity.Config{
		SystemUID:  uint32(cfg.Identity.SystemUid),
		ShellUID:   uint32(cfg.Identity.ShellUid),
		TraceLabel: cfg.Identity.TracingLabel,
		DebugBuild: cfg.Identity.DebugBuild,
	}, logger)

	store, err := storage.Open(cfg.Paths.State, cfg.ReportTTL(), clk, logger)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}

	rstore, err := restricted.Open(restricted.Config{
		Path:     cfg.Restricted.Database,
		PoolSize: cfg.Restricted.PoolSize,
		TTL:      cfg.RowTTL(),
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening restricted store: %w", err)
	}
	defer rstore.Close()

	eng, err := engine.New(engine.Options{
		Clock:      clk,
		Store:      store,
		Stats:      stats,
		Restricted: rstore,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	registry := confstore.New(store, logger)
	uids := uidmap.New(logger)

	puller, err := pull.NewManager(pull.Options{
		Clock:    clk,
		Sink:     eng,
		CacheTtl: cfg.CacheTTL(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building pull manager: %w", err)
	}

	gate := boot.New(boot.DefaultTokens(), cfg.GateDelay(), clk, eng.OnIdleSettled, logger)
	anomaly := alarm.NewMonitor(alarm.KindAnomaly, stats, logger)
	subscriber := alarm.NewMonitor(alarm.KindSubscriber, stats, logger)

	link, err := companion.NewLink(companion.Options{
		Engine:   eng,
		Gate:     gate,
		Puller:   puller,
		Monitors: []*alarm.Monitor{anomaly, subscriber},
		Stats:    stats,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building companion link: %w", err)
	}

	queue := ingest.NewQueue(cfg.Ingest.QueueCapacity, stats)
	loop := ingest.NewLoop(queue, eng, stats, logger)

	facade, err := control.New(control.Options{
		Guard:           guard,
		Registry:        registry,
		Engine:          eng,
		Store:           store,
		Restricted:      rstore,
		UidMap:          uids,
		Puller:          puller,
		Link:            link,
		Gate:            gate,
		Anomaly:         anomaly,
		Subscriber:      subscriber,
		Queue:           queue,
		Loop:            loop,
		Stats:           stats,
		Clock:           clk,
		Logger:          logger,
		CompanionSocket: cfg.Socket.Companion,
	})
	if err != nil {
		return fmt.Errorf("building control facade: %w", err)
	}

	// Reload persisted state before the socket opens: callers must
	// never observe a daemon that has forgotten its configs.
	if err := facade.Startup(ctx); err != nil {
		return fmt.Errorf("reloading persisted state: %w", err)
	}

	server := service.NewSocketServer(cfg.Socket.Control, logger)
	facade.Register(server)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
	case err := <-serveDone:
		queue.Interrupt()
		<-loopDone
		return fmt.Errorf("control socket: %w", err)
	}
	logger.Info("control socket ready", "path", cfg.Socket.Control)

	// Best-effort companion ping; the companion answers by opening its
	// companion-ready stream against the socket that is now live.
	companion.Hello(ctx, cfg.Socket.Companion, logger)

	// The daemon's own pullers are wired; the remaining tokens belong
	// to the platform (boot-completed, inform-all-uid-data).
	gate.MarkComplete(boot.TokenPullersRegistered)

	go maintenanceLoop(ctx, clk, store, rstore, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	// An idle-settle timer still pending at shutdown must not fire
	// into a daemon that is tearing down.
	gate.Cancel()

	// Serve returns once the listener is closed and in-flight
	// connections have drained; the ingestion loop keeps consuming
	// until then so late events still reach the engine.
	if err := <-serveDone; err != nil {
		logger.Warn("control socket closed with error", "error", err)
	}
	queue.Interrupt()
	<-loopDone

	facade.Terminate()
	logger.Info("telemetryd stopped")
	return nil
}

// loadConfig resolves the configuration source: an explicit --config
// path wins over the TELEMETRYD_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// maintenanceLoop periodically drops expired report files and
// out-of-ttl restricted rows. Failures are logged and retried on the
// next tick.
func maintenanceLoop(ctx context.Context, clk clock.Clock, store *storage.Store, rstore *restricted.Store, logger *slog.Logger) {
	ticker := clk.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.SweepExpired(); err != nil {
				logger.Warn("report sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("report sweep removed expired files", "count", n)
			}
			if n, err := rstore.EnforceTtl(ctx); err != nil {
				logger.Warn("restricted ttl sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("restricted ttl sweep removed rows", "count", n)
			}
		}
	}
}
