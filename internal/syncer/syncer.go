// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	custom_errors "github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/errors"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

const (
	// MinWindowMonths and MaxWindowMonths bound fixed-window backfills.
	MinWindowMonths = 1
	MaxWindowMonths = 72

	defaultChunkSize  = 3
	defaultChunkDelay = 2 * time.Second
	defaultOverlap    = 24 * time.Hour
	defaultFallback   = 7 * 24 * time.Hour
)

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// FullName returns the "owner/name" form.
func (r RepoIdentifier) FullName() string {
	return r.Owner + "/" + r.Name
}

// Mode selects how the backfill window is derived. The zero value is
// incremental mode.
type Mode struct {
	months int
}

// Incremental derives each repository's window from its sync cursor.
func Incremental() Mode { return Mode{} }

// FixedWindow covers the last months of history, bounded to [1, 72].
func FixedWindow(months int) (Mode, error) {
	if months < MinWindowMonths || months > MaxWindowMonths {
		return Mode{}, fmt.Errorf("window months must be between %d and %d, got %d", MinWindowMonths, MaxWindowMonths, months)
	}
	return Mode{months: months}, nil
}

func (m Mode) String() string {
	if m.months == 0 {
		return "incremental"
	}
	return fmt.Sprintf("fixed-window(%dmo)", m.months)
}

// CommitSource produces candidate commits for a repository since a timestamp.
type CommitSource interface {
	ListCommitsSince(ctx context.Context, owner, name string, since time.Time) ([]model.CommitRecord, error)
}

// BatchWriter writes a batch of commits and reports the counts.
type BatchWriter interface {
	Write(ctx context.Context, repo string, commits []model.CommitRecord) (model.BatchResult, error)
}

// CursorSource derives the "most recent stored timestamp" sync cursor.
type CursorSource interface {
	LatestTimestamp(ctx context.Context, repo string) (time.Time, bool, error)
}

// RunStats aggregates one coordinator pass. Counts are always populated, even
// on partial failure, so a caller can tell "nothing new" from "something
// failed".
type RunStats struct {
	model.BatchResult
	Repos       int
	FailedRepos int
}

// Options tunes the coordinator; zero values use the defaults.
type Options struct {
	ChunkSize  int           // repositories processed concurrently
	ChunkDelay time.Duration // pause between chunks
	Overlap    time.Duration // backward pad on the incremental cursor
	Fallback   time.Duration // look-back window when no cursor exists
	Interval   time.Duration // Start's tick interval
}

// Coordinator orchestrates backfill source and batch writer across many
// repositories with bounded parallelism and per-repository failure isolation.
type Coordinator struct {
	source CommitSource
	writer BatchWriter
	cursor CursorSource
	logger *slog.Logger
	repos  []RepoIdentifier
	opts   Options
}

// NewCoordinator creates a Coordinator for the given repository list.
func NewCoordinator(source CommitSource, writer BatchWriter, cursor CursorSource, logger *slog.Logger, repos []string, opts Options) (*Coordinator, error) {
	parsed, err := parseRepoIdentifiers(repos)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = defaultChunkDelay
	}
	if opts.Overlap <= 0 {
		opts.Overlap = defaultOverlap
	}
	if opts.Fallback <= 0 {
		opts.Fallback = defaultFallback
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Coordinator{
		source: source,
		writer: writer,
		cursor: cursor,
		logger: logger,
		repos:  parsed,
		opts:   opts,
	}, nil
}

// Start runs incremental passes on a ticker until the context is canceled.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info("Starting sync coordinator",
		"interval", c.opts.Interval.String(), "chunk_size", c.opts.ChunkSize, "repos", len(c.repos))
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.SyncRepositories(ctx, Incremental()) // Initial sync

	for {
		select {
		case <-ticker.C:
			c.SyncRepositories(ctx, Incremental())
		case <-ctx.Done():
			c.logger.Info("Sync coordinator shutting down", "reason", ctx.Err())
			return
		}
	}
}

// SyncRepositories performs one pass over all configured repositories.
// Repositories are processed in chunks; within a chunk all proceed
// concurrently and every one settles — a failure is logged, counted, and
// never cancels its peers.
func (c *Coordinator) SyncRepositories(ctx context.Context, mode Mode) RunStats {
	c.logger.Info("Starting sync pass", "mode", mode.String())
	stats := RunStats{Repos: len(c.repos)}
	var mu sync.Mutex

	for start := 0; start < len(c.repos); start += c.opts.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		if start > 0 {
			if err := sleepContext(ctx, c.opts.ChunkDelay); err != nil {
				break
			}
		}
		end := start + c.opts.ChunkSize
		if end > len(c.repos) {
			end = len(c.repos)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, repoID := range c.repos[start:end] {
			repoID := repoID
			g.Go(func() error {
				result, err := c.syncRepo(gctx, repoID, mode)
				mu.Lock()
				stats.Merge(result)
				if err != nil {
					stats.FailedRepos++
				}
				mu.Unlock()
				if err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Error("Failed to sync repository",
						"owner", repoID.Owner, "repo", repoID.Name, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	c.logger.Info("Sync pass finished", "mode", mode.String(),
		"processed", stats.Processed, "skipped", stats.Skipped,
		"errors", stats.Errors, "failed_repos", stats.FailedRepos)
	return stats
}

// syncRepo handles one repository: derive the window, fetch, write.
func (c *Coordinator) syncRepo(ctx context.Context, id RepoIdentifier, mode Mode) (model.BatchResult, error) {
	logger := c.logger.With("owner", id.Owner, "repo", id.Name)

	since := c.windowStart(ctx, id, mode, logger)
	logger.Info("Fetching commits since", "timestamp", since.Format(time.RFC3339))

	commits, err := c.source.ListCommitsSince(ctx, id.Owner, id.Name, since)
	if err != nil {
		return model.BatchResult{}, err
	}
	if len(commits) == 0 {
		logger.Info("No new commits found")
		return model.BatchResult{}, nil
	}

	logger.Info("Found candidate commits", "count", len(commits))
	return c.writer.Write(ctx, id.FullName(), commits)
}

// windowStart computes the fetch window's lower bound. Incremental mode pads
// the cursor backward by the overlap to tolerate out-of-order delivery and
// timezone skew at the boundary; dedup absorbs the re-fetched commits.
func (c *Coordinator) windowStart(ctx context.Context, id RepoIdentifier, mode Mode, logger *slog.Logger) time.Time {
	if mode.months > 0 {
		return time.Now().AddDate(0, -mode.months, 0)
	}

	cursor, ok, err := c.cursor.LatestTimestamp(ctx, id.FullName())
	if err != nil {
		logger.Warn("Could not derive sync cursor, using fallback window", "error", err)
		return time.Now().Add(-c.opts.Fallback)
	}
	if !ok {
		logger.Info("No stored commits yet, using fallback window", "fallback", c.opts.Fallback.String())
		return time.Now().Add(-c.opts.Fallback)
	}
	return cursor.Add(-c.opts.Overlap)
}

func parseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
