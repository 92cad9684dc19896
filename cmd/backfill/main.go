// cmd/backfill/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/config"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/dedup"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/github"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/ingest"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/store"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/syncer"
)

var months int

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill commit history into the record store",
	Long: `Run one sync pass over the configured repositories.

Without flags the pass is incremental: each repository's window is derived
from its most recent stored commit, padded backward by OVERLAP_DAYS. With
--months N the pass covers the last N months of history regardless of stored
state; deduplication keeps the result free of double entries either way.

Examples:
  backfill               # incremental, from each repository's sync cursor
  backfill --months 6    # re-scan the last six months`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackfill(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().IntVar(&months, "months", 0,
		fmt.Sprintf("fixed backfill window in months (%d-%d); 0 means incremental", syncer.MinWindowMonths, syncer.MaxWindowMonths))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBackfill(ctx context.Context) error {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)

	mode := syncer.Incremental()
	if months != 0 {
		mode, err = syncer.FixedWindow(months)
		if err != nil {
			return err
		}
	}

	recordStore, cleanup, err := newRecordStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

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
	})
	if err != nil {
		return fmt.Errorf("failed to create sync coordinator: %w", err)
	}

	stats := coordinator.SyncRepositories(ctx, mode)
	fmt.Printf("Backfill finished: processed=%d skipped=%d errors=%d failed_repos=%d\n",
		stats.Processed, stats.Skipped, stats.Errors, stats.FailedRepos)
	return nil
}

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
	default:
		v.Set(slog.LevelInfo)
	}
}
