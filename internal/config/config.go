// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backend selectors.
const (
	StoreBackendNotion   = "notion"
	StoreBackendPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	ListenAddr  string   `mapstructure:"LISTEN_ADDR"`
	GithubToken string   `mapstructure:"GITHUB_TOKEN"`
	ReposToSync []string `mapstructure:"REPOS_TO_SYNC"`

	// Webhook receiver.
	WebhookSecret       string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookWriteTimeout time.Duration `mapstructure:"WEBHOOK_WRITE_TIMEOUT"`

	// Record store backend.
	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	NotionToken      string `mapstructure:"NOTION_TOKEN"`
	NotionDatabaseID string `mapstructure:"NOTION_DATABASE_ID"`
	NotionBaseURL    string `mapstructure:"NOTION_BASE_URL"`
	DBURL            string `mapstructure:"DB_URL"`

	// Sync coordinator.
	SyncInterval time.Duration `mapstructure:"SYNC_INTERVAL"`
	OverlapDays  int           `mapstructure:"OVERLAP_DAYS"`
	FallbackDays int           `mapstructure:"FALLBACK_DAYS"`
	ChunkSize    int           `mapstructure:"CHUNK_SIZE"`
	ChunkDelay   time.Duration `mapstructure:"CHUNK_DELAY"`

	// Batch writer.
	SubBatchSize          int           `mapstructure:"SUB_BATCH_SIZE"`
	WriterConcurrency     int           `mapstructure:"WRITER_CONCURRENCY"`
	SubBatchDelay         time.Duration `mapstructure:"SUB_BATCH_DELAY"`
	ForceRefreshThreshold int           `mapstructure:"FORCE_REFRESH_THRESHOLD"`

	// Dedup cache.
	CacheTTL       time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxRepos  int           `mapstructure:"CACHE_MAX_REPOS"`
	CachePageLimit int           `mapstructure:"CACHE_PAGE_LIMIT"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("WEBHOOK_WRITE_TIMEOUT", "2m")
	viper.SetDefault("STORE_BACKEND", StoreBackendNotion)
	viper.SetDefault("SYNC_INTERVAL", "1h")
	viper.SetDefault("OVERLAP_DAYS", 1)
	viper.SetDefault("FALLBACK_DAYS", 7)
	viper.SetDefault("CHUNK_SIZE", 3)
	viper.SetDefault("CHUNK_DELAY", "2s")
	viper.SetDefault("SUB_BATCH_SIZE", 25)
	viper.SetDefault("WRITER_CONCURRENCY", 10)
	viper.SetDefault("SUB_BATCH_DELAY", "350ms")
	viper.SetDefault("FORCE_REFRESH_THRESHOLD", 100)
	viper.SetDefault("CACHE_TTL", "5m")
	viper.SetDefault("CACHE_MAX_REPOS", 50)
	viper.SetDefault("CACHE_PAGE_LIMIT", 20)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate enforces the required fields. Configuration validation failures
// are the only fatal errors in the pipeline.
func (c *Config) validate() error {
	if c.GithubToken == "" {
		return errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if len(c.ReposToSync) == 0 {
		return errors.New("REPOS_TO_SYNC must contain at least one repository")
	}
	switch c.StoreBackend {
	case StoreBackendNotion:
		if c.NotionToken == "" {
			return errors.New("NOTION_TOKEN is required when STORE_BACKEND=notion")
		}
		if c.NotionDatabaseID == "" {
			return errors.New("NOTION_DATABASE_ID is required when STORE_BACKEND=notion")
		}
	case StoreBackendPostgres:
		if c.DBURL == "" {
			return errors.New("DB_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendNotion, StoreBackendPostgres, c.StoreBackend)
	}
	if c.OverlapDays < 0 {
		return errors.New("OVERLAP_DAYS must not be negative")
	}
	if c.ChunkSize <= 0 || c.SubBatchSize <= 0 || c.WriterConcurrency <= 0 {
		return errors.New("CHUNK_SIZE, SUB_BATCH_SIZE and WRITER_CONCURRENCY must be positive")
	}
	return nil
}

// Overlap returns the incremental-mode backward pad as a duration.
func (c *Config) Overlap() time.Duration {
	return time.Duration(c.OverlapDays) * 24 * time.Hour
}

// Fallback returns the look-back window used when no sync cursor exists.
func (c *Config) Fallback() time.Duration {
	return time.Duration(c.FallbackDays) * 24 * time.Hour
}
