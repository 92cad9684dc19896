// internal/dedup/cache.go
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/store"
)

const (
	defaultTTL       = 5 * time.Minute
	defaultMaxRepos  = 50
	defaultPageLimit = 20
	defaultPageSize  = 100
)

// State is the known dedup state for one repository. It is advisory: the
// batch writer's per-write existence check is the actual correctness
// guarantee, so an empty or stale State only costs extra probes.
type State struct {
	KnownIdentifiers   map[string]struct{}
	LegacyFingerprints map[string]struct{}
	// Incomplete is true when the scan stopped at the page-limit safety stop.
	// Duplicates are then possible but processing is not blocked.
	Incomplete bool
}

func emptyState() State {
	return State{
		KnownIdentifiers:   map[string]struct{}{},
		LegacyFingerprints: map[string]struct{}{},
	}
}

// snapshot returns a State whose maps are detached from the cached entry.
// Callers read the returned maps without holding the cache lock, while
// ObserveWrite keeps mutating the cached copy.
func (s State) snapshot() State {
	out := State{
		KnownIdentifiers:   make(map[string]struct{}, len(s.KnownIdentifiers)),
		LegacyFingerprints: make(map[string]struct{}, len(s.LegacyFingerprints)),
		Incomplete:         s.Incomplete,
	}
	for k := range s.KnownIdentifiers {
		out.KnownIdentifiers[k] = struct{}{}
	}
	for k := range s.LegacyFingerprints {
		out.LegacyFingerprints[k] = struct{}{}
	}
	return out
}

// HasIdentifier reports whether id is confirmed present in the store.
func (s State) HasIdentifier(id string) bool {
	_, ok := s.KnownIdentifiers[id]
	return ok
}

// HasFingerprint reports whether the legacy message|timestamp key is present.
func (s State) HasFingerprint(fp string) bool {
	_, ok := s.LegacyFingerprints[fp]
	return ok
}

// Options tunes the cache; zero values use the defaults.
type Options struct {
	TTL       time.Duration
	MaxRepos  int // process-wide repository-count cap, oldest evicted first
	PageLimit int // safety stop for the store scan
	PageSize  int
}

// Cache is the per-repository index of already-mirrored commit identifiers
// and legacy fingerprints, populated by scanning the record store. It is
// owned by a service object constructed at startup; there is no package-level
// state.
type Cache struct {
	store  store.RecordStore
	logger *slog.Logger

	ttl       time.Duration
	maxRepos  int
	pageLimit int
	pageSize  int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	state     State
	fetchedAt time.Time
}

// New creates a Cache over the given record store.
func New(recordStore store.RecordStore, logger *slog.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxRepos <= 0 {
		opts.MaxRepos = defaultMaxRepos
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Cache{
		store:     recordStore,
		logger:    logger,
		ttl:       opts.TTL,
		maxRepos:  opts.MaxRepos,
		pageLimit: opts.PageLimit,
		pageSize:  opts.PageSize,
		entries:   map[string]*entry{},
	}
}

// KnownState returns the dedup state for a repository, re-fetching from the
// store when the cached entry is missing or older than the TTL. The returned
// State is a snapshot the caller owns; concurrent ObserveWrite calls never
// touch it. With
// forceLegacyScan=false and an identifier-capable schema, the legacy
// fingerprint collection is skipped to save a full scan.
func (c *Cache) KnownState(ctx context.Context, repo string, forceLegacyScan bool) State {
	c.mu.Lock()
	if e, ok := c.entries[repo]; ok && time.Since(e.fetchedAt) < c.ttl {
		state := e.state.snapshot()
		c.mu.Unlock()
		return state
	}
	c.mu.Unlock()
	return c.Refresh(ctx, repo, forceLegacyScan)
}

// Refresh unconditionally re-scans the store for a repository. Used directly
// for very large incoming batches, where a stale cache would produce too many
// false negatives.
func (c *Cache) Refresh(ctx context.Context, repo string, forceLegacyScan bool) State {
	state, ok := c.scan(ctx, repo, forceLegacyScan)
	if !ok {
		// Scan failed; nothing is cached so the next caller retries. The
		// empty state is still valid for the caller: write-time race guards
		// cover correctness.
		return state
	}

	// The cached entry gets its own copy of the maps; the caller's State stays
	// untouched by later ObserveWrite calls.
	c.mu.Lock()
	c.entries[repo] = &entry{state: state.snapshot(), fetchedAt: time.Now()}
	c.evictLocked()
	c.mu.Unlock()
	return state
}

// Invalidate drops the cached entry for a repository.
func (c *Cache) Invalidate(repo string) {
	c.mu.Lock()
	delete(c.entries, repo)
	c.mu.Unlock()
}

// ObserveWrite records a successful write so subsequent batches in the same
// process see the new identifier without a re-scan.
func (c *Cache) ObserveWrite(repo, identifier, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[repo]
	if !ok {
		return
	}
	if identifier != "" {
		e.state.KnownIdentifiers[identifier] = struct{}{}
	}
	if fingerprint != "" {
		e.state.LegacyFingerprints[fingerprint] = struct{}{}
	}
}

// scan pages through the store until exhausted or the page-limit safety stop.
// ok is false when the scan failed outright and nothing should be cached.
func (c *Cache) scan(ctx context.Context, repo string, forceLegacyScan bool) (State, bool) {
	state := emptyState()

	capability := c.store.IdentifierCapability(ctx)
	collectIdentifiers := capability == store.CapabilityPresent
	collectFingerprints := forceLegacyScan || !collectIdentifiers

	cursor := ""
	for page := 0; ; page++ {
		if page >= c.pageLimit {
			state.Incomplete = true
			c.logger.Warn("Dedup scan hit page-limit safety stop, duplicates possible",
				"repo", repo, "pages", page, "records", len(state.KnownIdentifiers)+len(state.LegacyFingerprints))
			break
		}
		recordPage, err := c.store.QueryPage(ctx, repo, cursor, c.pageSize)
		if err != nil {
			// Empty-but-valid beats blocking the pipeline: the write-time
			// existence check is the correctness backstop.
			c.logger.Warn("Dedup scan failed, continuing with empty state", "repo", repo, "error", err)
			return emptyState(), false
		}
		for _, rec := range recordPage.Records {
			if collectIdentifiers && rec.Identifier != "" {
				state.KnownIdentifiers[rec.Identifier] = struct{}{}
			}
			if collectFingerprints {
				state.LegacyFingerprints[rec.Message+"|"+rec.Timestamp.UTC().Format(time.RFC3339)] = struct{}{}
			}
		}
		if !recordPage.HasMore || recordPage.NextCursor == "" {
			break
		}
		cursor = recordPage.NextCursor
	}
	return state, true
}

// evictLocked drops the oldest entries until the repository-count cap holds.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxRepos {
		oldestRepo := ""
		var oldestAt time.Time
		for repo, e := range c.entries {
			if oldestRepo == "" || e.fetchedAt.Before(oldestAt) {
				oldestRepo = repo
				oldestAt = e.fetchedAt
			}
		}
		delete(c.entries, oldestRepo)
		c.logger.Debug("Evicted dedup cache entry", "repo", oldestRepo)
	}
}
