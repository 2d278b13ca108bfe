// cmd/patchviewd/main.go
// Package main implements the entry point for the patchview service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/patchview-go/internal/config"
	"github.com/RegistryAccord/patchview-go/internal/event"
	"github.com/RegistryAccord/patchview-go/internal/export"
	"github.com/RegistryAccord/patchview-go/internal/jwks"
	"github.com/RegistryAccord/patchview-go/internal/patchapi"
	"github.com/RegistryAccord/patchview-go/internal/schema"
	"github.com/RegistryAccord/patchview-go/internal/server"
	"github.com/RegistryAccord/patchview-go/internal/session"
	"github.com/RegistryAccord/patchview-go/internal/storage"
	"github.com/RegistryAccord/patchview-go/internal/telemetry"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// sweepInterval is how often idle views and expired snapshots are purged.
const sweepInterval = 5 * time.Minute

// main is the entry point for the patchview service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Spans are printed in development and only propagated elsewhere
	var traceOut io.Writer = io.Discard
	if cfg.Env == "dev" {
		traceOut = os.Stdout
	}
	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, traceOut, cfg.TraceSampleRatio); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize snapshot storage (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}
	store = storage.Instrument(store)
	defer store.Close()

	// Remote Patch API client with envelope validation
	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}
	api, err := patchapi.New(cfg.PatchAPIURL, validator)
	if err != nil {
		logger.Error("failed to initialize patch api client", "error", err)
		os.Exit(1)
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, logger)
	defer pub.Close()

	// Initialize remediation exporter (S3 or no-op)
	exporter := export.NewNoop()
	if cfg.ExportEnabled() {
		s3c, err := export.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		exporter = s3c
	}

	sessions := session.NewManager(store, api, session.Options{
		TTL: cfg.SessionTTL,
		View: view.Options{
			FetchTimeout:    cfg.FetchTimeout,
			SelectAllLimit:  cfg.SelectAllLimit,
			EnableSelection: cfg.EnableRemediation,
		},
		Logger: logger,
	})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx, sweepInterval)

	mux := server.NewMux(server.Deps{
		Sessions:           sessions,
		Store:              store,
		Publisher:          pub,
		Exporter:           exporter,
		JWKS:               jwks.NewClient(cfg.JWKSURL),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger,
	})

	// Write timeout leaves room for ?wait=true requests
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version,
			"remediation", cfg.EnableRemediation, "collections", view.Collections())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Views keep their snapshots and are rehydrated on the next start
	stopSweep()
	sessions.Shutdown()

	logger.Info("server exited")
}
