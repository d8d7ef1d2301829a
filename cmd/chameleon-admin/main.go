// Package main initializes and runs the Chameleon administration service.
//
// It serves the segment management REST API: segment CRUD, toggling,
// page-variant management, the CSV membership export and the dashboard
// summary.
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

	"github.com/chameleon-cms/chameleon/internal/adminapi"
	"github.com/chameleon-cms/chameleon/internal/config"
	"github.com/chameleon-cms/chameleon/internal/database"
	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/populator"
	"github.com/chameleon-cms/chameleon/internal/rules"
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
	users := store.NewPostgresUserStore(pool)

	vars := variants.NewService(pages, segments)
	popSvc := populator.NewService(segments, users, sessions, cfg.Populator.UserBatchSize, nil)

	// Authentication is off only outside production and only when no key
	// hash was configured; config validation rejects that combination in
	// production.
	skipAuth := cfg.Server.Admin.APIKeyHash == ""
	if skipAuth {
		logg.Warn("admin API key not configured, authentication disabled")
	}

	api := adminapi.NewAPIWithConfig(adminapi.Deps{
		Segments:  segments,
		Pages:     pages,
		Users:     users,
		Registry:  registry,
		Variants:  vars,
		Populator: popSvc,
		Sessions:  sessions,
	}, cfg.Server.Admin.APIKeyHash, skipAuth)

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
	addr := fmt.Sprintf("%s:%s", cfg.Server.Admin.Host, cfg.Server.Admin.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.Admin.ReadTimeout,
		WriteTimeout:      cfg.Server.Admin.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.Admin.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.Admin.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.Admin.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		logg.Info("admin server listening",
			slog.String("addr", addr),
			slog.Bool("tls", cfg.Server.Admin.TLSEnabled),
		)

		var err error
		if cfg.Server.Admin.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.Admin.TLSCert, cfg.Server.Admin.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("admin server failed: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logg.Info("shutdown signal received, stopping admin server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logg.Warn("observability server shutdown failed", slog.Any("error", err))
	}

	logg.Info("service exited successfully")
	return nil
}
