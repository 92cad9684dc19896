// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/config"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/dedup"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/github"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/ingest"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/store"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/syncer"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is a required configuration field for the service")
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize the record store backend
	recordStore, cleanup, err := newRecordStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// 5. Initialize the ingestion pipeline
	cache := dedup.New(recordStore, logger, dedup.Options{
		TTL:       cfg.CacheTTL,
		MaxRepos:  cfg.CacheMaxRepos,
		PageLimit: cfg.CachePageLimit,
	})
	writer := ingest.NewWriter(recordStore, cache, logger, ingest.Options{
		SubBatchSize:          cfg.SubBatchSize,
		Concurrency:           cfg.WriterConcurrency,
		ForceRefreshThreshold: cfg.ForceRefreshThreshold,
		SubBatchLimiter:       rate.NewLimiter(rate.Every(cfg.SubBatchDelay), 1),
	})
	ghClient := github.NewClient(cfg.GithubToken, logger)
	coordinator, err := syncer.NewCoordinator(ghClient, writer, recordStore, logger, cfg.ReposToSync, syncer.Options{
		ChunkSize:  cfg.ChunkSize,
		ChunkDelay: cfg.ChunkDelay,
		Overlap:    cfg.Overlap(),
		Fallback:   cfg.Fallback(),
		Interval:   cfg.SyncInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync coordinator: %w", err)
	}

	// 6. Start the coordinator and the webhook server
	go coordinator.Start(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: webhook.NewRouter(writer, cfg.WebhookSecret, cfg.WebhookWriteTimeout, logger),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Webhook server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 7. Wait for shutdown signal or server failure
	select {
	case err := <-serverErr:
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Webhook server shutdown was not clean", "error", err)
	}
	return nil
}

// newRecordStore builds the configured store backend. Only the Postgres
// backend needs local migrations; the Notion backend's schema lives in the
// destination database itself and is handled by the capability probe.
func newRecordStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.RecordStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		dbpool, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := runMigrations(cfg.DBURL); err != nil {
			dbpool.Close()
			return nil, nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Postgres record store ready")
		return store.NewPostgresStore(dbpool, logger), dbpool.Close, nil
	default:
		notionStore := store.NewNotionStore(store.NotionStoreOptions{
			BaseURL:    cfg.NotionBaseURL,
			Token:      cfg.NotionToken,
			DatabaseID: cfg.NotionDatabaseID,
		}, logger)
		return notionStore, func() {}, nil
	}
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
