// Package main initializes and runs the Chameleon population worker.
//
// The worker periodically scans for unfrozen static segments, materializes
// the ones whose rule sets can be evaluated offline, and refreshes the
// matched-users diagnostic for the rest.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chameleon-cms/chameleon/internal/config"
	"github.com/chameleon-cms/chameleon/internal/database"
	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/populator"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the worker lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logg := logger.New(&cfg.App)
	slog.SetDefault(logg)
	cfg.LogConfig(logg)

	if !cfg.Populator.Enabled {
		logg.Info("populator disabled by configuration, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithContext(ctx, logg)

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := session.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	sessions := session.NewRedisStore(redisClient, cfg.Redis.SessionTTL)
	defer sessions.Close()

	detectors, geoDB, err := rules.DetectorChain(cfg.Geo.TrustHeaders, cfg.Geo.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to build country detection chain: %w", err)
	}
	if geoDB != nil {
		defer geoDB.Close()
	}
	registry := rules.NewRegistry(rules.RegistryOptions{CountryDetectors: detectors})

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	segments := store.NewPostgresSegmentStore(pool, registry)
	users := store.NewPostgresUserStore(pool)

	service := populator.NewService(segments, users, sessions, cfg.Populator.UserBatchSize, nil)
	worker := populator.NewWorker(logg, cfg.Populator, service)

	// -------------------------------------------------------------------------
	// 4. Observability
	// -------------------------------------------------------------------------
	obs := observability.NewServer(logg, &cfg.Metrics,
		database.NewHealthChecker(pool),
		session.NewHealthChecker(sessions),
	)
	obs.Start()

	go database.RunPoolMonitor(ctx, pool, 15*time.Second)

	// -------------------------------------------------------------------------
	// 5. Worker Loop & Graceful Shutdown
	// -------------------------------------------------------------------------
	// Run blocks until the signal context is cancelled.
	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("populator worker failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := obs.Shutdown(shutdownCtx); err != nil {
		logg.Warn("observability server shutdown failed", slog.Any("error", err))
	}

	logg.Info("worker exited successfully")
	return nil
}
