// internal/ingest/writer.go

// Package ingest contains the batch writer: the only place where commit
// records are written to the record store, under bounded concurrency and
// rate-limit pacing.
package ingest

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/dedup"
	custom_errors "github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/errors"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/store"
)

const (
	defaultSubBatchSize          = 25
	defaultConcurrency           = 10
	defaultForceRefreshThreshold = 100
)

// Options tunes the writer; zero values use the defaults.
type Options struct {
	SubBatchSize int // candidates per sub-batch
	Concurrency  int // writes in flight within a sub-batch
	// ForceRefreshThreshold is the batch size at which the dedup cache is
	// force-refreshed and, when the schema supports identifiers, the legacy
	// fingerprint scan is skipped for throughput.
	ForceRefreshThreshold int
	// SubBatchLimiter paces sub-batches to stay under external rate limits.
	// Nil means no pacing.
	SubBatchLimiter *rate.Limiter
}

// Writer filters candidate commits against the dedup cache, double-checks
// each survivor against the store immediately before writing, and writes
// under bounded concurrency.
type Writer struct {
	store  store.RecordStore
	cache  *dedup.Cache
	logger *slog.Logger
	opts   Options
}

// NewWriter creates a Writer.
func NewWriter(recordStore store.RecordStore, cache *dedup.Cache, logger *slog.Logger, opts Options) *Writer {
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = defaultSubBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ForceRefreshThreshold <= 0 {
		opts.ForceRefreshThreshold = defaultForceRefreshThreshold
	}
	return &Writer{store: recordStore, cache: cache, logger: logger, opts: opts}
}

// Write processes one batch of commits for a repository and returns the
// aggregate counts. Counts are always populated, even on partial failure; the
// returned error is non-nil only when the context was canceled mid-batch.
func (w *Writer) Write(ctx context.Context, repo string, commits []model.CommitRecord) (model.BatchResult, error) {
	var result model.BatchResult
	if len(commits) == 0 {
		return result, nil
	}
	logger := w.logger.With("repo", repo, "batch_size", len(commits))

	state := w.warmCache(ctx, repo, len(commits))
	candidates := w.partition(commits, state, &result)
	if len(candidates) == 0 {
		logger.Info("All commits already mirrored", "skipped", result.Skipped)
		return result, nil
	}
	logger.Info("Writing candidate commits", "candidates", len(candidates), "skipped", result.Skipped)

	var mu sync.Mutex
	for start := 0; start < len(candidates); start += w.opts.SubBatchSize {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			result.Errors += len(candidates) - start
			mu.Unlock()
			return result, err
		}
		if w.opts.SubBatchLimiter != nil {
			if err := w.opts.SubBatchLimiter.Wait(ctx); err != nil {
				mu.Lock()
				result.Errors += len(candidates) - start
				mu.Unlock()
				return result, err
			}
		}

		end := start + w.opts.SubBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.opts.Concurrency)
		for _, commit := range candidates[start:end] {
			commit := commit
			g.Go(func() error {
				outcome := w.writeOne(gctx, repo, commit)
				mu.Lock()
				switch outcome {
				case outcomeProcessed:
					result.Processed++
				case outcomeSkipped:
					result.Skipped++
				default:
					result.Errors++
				}
				mu.Unlock()
				return nil // a single write failure never aborts the batch
			})
		}
		_ = g.Wait()
	}

	logger.Info("Batch complete",
		"processed", result.Processed, "skipped", result.Skipped, "errors", result.Errors)
	return result, ctx.Err()
}

type writeOutcome int

const (
	outcomeProcessed writeOutcome = iota
	outcomeSkipped
	outcomeErrored
)

// writeOne performs the race-guard existence check and the write for a single
// candidate. The re-check closes the window between cache population and the
// write: the webhook and backfill paths can target the same repository
// concurrently.
func (w *Writer) writeOne(ctx context.Context, repo string, commit model.CommitRecord) writeOutcome {
	if commit.Identifier != "" {
		exists, err := w.store.ExistsByIdentifier(ctx, repo, commit.Identifier)
		if err != nil {
			// A failed probe is not a reason to drop the commit; the write
			// itself will surface a conflict if there is one.
			w.logger.Warn("Existence check failed, attempting write anyway",
				"repo", repo, "sha", commit.Identifier, "error", err)
		} else if exists {
			w.cache.ObserveWrite(repo, commit.Identifier, commit.Fingerprint())
			return outcomeSkipped
		}
	}

	if err := w.store.CreateRecord(ctx, commit); err != nil {
		if custom_errors.IsDuplicate(err) {
			w.cache.ObserveWrite(repo, commit.Identifier, commit.Fingerprint())
			return outcomeSkipped
		}
		w.logger.Error("Failed to write commit record",
			"repo", repo, "sha", commit.Identifier, "error", err)
		return outcomeErrored
	}
	w.cache.ObserveWrite(repo, commit.Identifier, commit.Fingerprint())
	return outcomeProcessed
}

// warmCache fetches dedup state, force-refreshing for oversized batches. For
// those large batches the legacy fingerprint scan is skipped when the schema
// supports identifiers, trading a small dedup-accuracy risk for throughput.
func (w *Writer) warmCache(ctx context.Context, repo string, batchSize int) dedup.State {
	large := batchSize >= w.opts.ForceRefreshThreshold
	forceLegacyScan := true
	if large && w.store.IdentifierCapability(ctx) == store.CapabilityPresent {
		forceLegacyScan = false
	}
	if large {
		return w.cache.Refresh(ctx, repo, forceLegacyScan)
	}
	return w.cache.KnownState(ctx, repo, forceLegacyScan)
}

// partition splits a batch into known duplicates (counted as skipped) and
// candidates. Repeats of the same identifier within the batch collapse to a
// single candidate.
func (w *Writer) partition(commits []model.CommitRecord, state dedup.State, result *model.BatchResult) []model.CommitRecord {
	candidates := make([]model.CommitRecord, 0, len(commits))
	seen := make(map[string]struct{}, len(commits))
	for _, commit := range commits {
		if commit.Identifier != "" {
			if _, dup := seen[commit.Identifier]; dup {
				result.Skipped++
				continue
			}
			seen[commit.Identifier] = struct{}{}
		}
		if commit.Identifier != "" && state.HasIdentifier(commit.Identifier) {
			result.Skipped++
			continue
		}
		if state.HasFingerprint(commit.Fingerprint()) {
			result.Skipped++
			continue
		}
		candidates = append(candidates, commit)
	}
	return candidates
}
