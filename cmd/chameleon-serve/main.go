// Package main initializes and runs the Chameleon page-serving service.
//
// It acts as the composition root for the public hot path, wiring up
// Postgres, Redis, the segment resolver and the variant selector, and
// handling the server lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chameleon-cms/chameleon/internal/config"
	"github.com/chameleon-cms/chameleon/internal/database"
	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/resolver"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/serveapi"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
	"github.com/chameleon-cms/chameleon/internal/variants"
)

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
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

	// Root context cancelled on SIGINT/SIGTERM.
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
	pages := store.NewPostgresPageStore(pool)

	res := resolver.NewService(segments, sessions, nil)
	vars := variants.NewService(pages, segments)

	api := serveapi.NewAPI(pages, res, vars, cfg.Server.Serve)

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
	// 5. HTTP Server & Graceful Shutdown
	// -------------------------------------------------------------------------
	addr := fmt.Sprintf("%s:%s", cfg.Server.Serve.Host, cfg.Server.Serve.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Serve.ReadTimeout,
		WriteTimeout:      cfg.Server.Serve.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Serve.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Serve.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.Serve.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		logg.Info("serve server listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("serve server failed: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logg.Info("shutdown signal received, stopping serve server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve server shutdown failed: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logg.Warn("observability server shutdown failed", slog.Any("error", err))
	}

	logg.Info("service exited successfully")
	return nil
}
