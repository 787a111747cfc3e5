package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mobtestlab/devicepilot/pkg/api"
	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/remote"
	"github.com/mobtestlab/devicepilot/pkg/reports"
	"github.com/mobtestlab/devicepilot/pkg/runner"
	"github.com/mobtestlab/devicepilot/pkg/storage/jsonfile"
	"github.com/mobtestlab/devicepilot/pkg/storage/objectstore"
)

func main() {
	// --- Logger Setup ---
	logLevel := new(slog.LevelVar) // Info by default, adjusted once config is loaded
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Load .env file (for local development only) ---
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			logger.Info("Could not load .env file, relying on environment variables", slog.String("error", err.Error()))
		} else {
			logger.Info("Loaded configuration from .env file for local development")
		}
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}

	logger.Info("Starting mobile test-run orchestrator...", slog.String("log_level", cfg.LogLevel))

	// --- Context for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	// Durable job registry backed by plain JSON files.
	jobStore, err := jsonfile.NewStore(cfg.JobsFile, cfg.HistoryFile, logger)
	if err != nil {
		logger.Error("Failed to initialize job store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jobStore.Close()

	// Object storage for resolved reports (MinIO).
	objectStore, err := objectstore.NewStore(
		cfg.MinIO_Endpoint,
		cfg.MinIO_AccessKey,
		cfg.MinIO_SecretKey,
		cfg.MinIO_BucketName,
		cfg.MinIO_UseSSL,
		logger,
	)
	if err != nil {
		logger.Error("Failed to initialize object store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Remote device-lab client and the pipelines built on it.
	labClient := devicelab.NewHTTPClient(cfg.Lab_BaseURL, logger)
	uploadCache := devicelab.NewUploadCache(labClient, logger)
	localEngine := runner.NewEngine(jobStore, cfg, logger)
	orchestrator := remote.NewOrchestrator(labClient, uploadCache, jobStore, cfg, logger)
	reconciler := remote.NewReconciler(labClient, jobStore, cfg, logger)
	reportResolver := reports.NewResolver(labClient, objectStore, logger)

	apiHandler := api.NewAPI(localEngine, orchestrator, reconciler, reportResolver, jobStore, labClient, logger, cfg)

	// --- Router Setup ---
	router := api.SetupRouter(apiHandler, cfg)
	logger.Info("API router configured")

	// --- HTTP Server Setup ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + (5 * time.Second), // Slightly longer than handler timeout
		WriteTimeout: cfg.RequestTimeout + (5 * time.Second),
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Server listening...", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed to start or unexpectedly closed", slog.String("error", err.Error()))
			stop() // Trigger shutdown context
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// --- Graceful Shutdown ---
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server graceful shutdown failed", slog.String("error", err.Error()))
	} else {
		logger.Info("Server gracefully stopped")
	}

	logger.Info("Shutdown complete.")
}
