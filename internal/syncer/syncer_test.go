// internal/syncer/syncer_test.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/dedup"
	custom_errors "github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/errors"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/ingest"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/store"
)

// MockCommitSource is a mock of the CommitSource interface.
type MockCommitSource struct {
	mock.Mock
}

func (m *MockCommitSource) ListCommitsSince(ctx context.Context, owner, name string, since time.Time) ([]model.CommitRecord, error) {
	args := m.Called(ctx, owner, name, since)
	return args.Get(0).([]model.CommitRecord), args.Error(1)
}

// MockBatchWriter is a mock of the BatchWriter interface.
type MockBatchWriter struct {
	mock.Mock
}

func (m *MockBatchWriter) Write(ctx context.Context, repo string, commits []model.CommitRecord) (model.BatchResult, error) {
	args := m.Called(ctx, repo, commits)
	return args.Get(0).(model.BatchResult), args.Error(1)
}

// MockCursorSource is a mock of the CursorSource interface.
type MockCursorSource struct {
	mock.Mock
}

func (m *MockCursorSource) LatestTimestamp(ctx context.Context, repo string) (time.Time, bool, error) {
	args := m.Called(ctx, repo)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastOptions() Options {
	return Options{ChunkSize: 3, ChunkDelay: time.Millisecond}
}

func noCursor(cursor *MockCursorSource) {
	cursor.On("LatestTimestamp", mock.Anything, mock.Anything).Return(time.Time{}, false, nil)
}

func someCommits(n int) []model.CommitRecord {
	commits := make([]model.CommitRecord, n)
	for i := range commits {
		commits[i] = model.CommitRecord{Identifier: string(rune('a' + i)), Message: "m", Timestamp: time.Now()}
	}
	return commits
}

func TestSyncRepositories(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing repository does not affect its peers", func(t *testing.T) {
		source := new(MockCommitSource)
		writer := new(MockBatchWriter)
		cursor := new(MockCursorSource)
		noCursor(cursor)

		source.On("ListCommitsSince", mock.Anything, "acme", "alpha", mock.Anything).
			Return(someCommits(2), nil).Once()
		source.On("ListCommitsSince", mock.Anything, "acme", "broken", mock.Anything).
			Return([]model.CommitRecord(nil), errors.New("repository unavailable")).Once()
		source.On("ListCommitsSince", mock.Anything, "acme", "gamma", mock.Anything).
			Return(someCommits(1), nil).Once()

		writer.On("Write", mock.Anything, "acme/alpha", mock.Anything).
			Return(model.BatchResult{Processed: 2}, nil).Once()
		writer.On("Write", mock.Anything, "acme/gamma", mock.Anything).
			Return(model.BatchResult{Processed: 1}, nil).Once()

		c, err := NewCoordinator(source, writer, cursor, testLogger(),
			[]string{"acme/alpha", "acme/broken", "acme/gamma"}, fastOptions())
		require.NoError(t, err)

		stats := c.SyncRepositories(ctx, Incremental())

		assert.Equal(t, 3, stats.Repos)
		assert.Equal(t, 1, stats.FailedRepos)
		assert.Equal(t, 3, stats.Processed)
		source.AssertExpectations(t)
		writer.AssertExpectations(t)
	})

	t.Run("aggregates write counts across repositories", func(t *testing.T) {
		source := new(MockCommitSource)
		writer := new(MockBatchWriter)
		cursor := new(MockCursorSource)
		noCursor(cursor)

		source.On("ListCommitsSince", mock.Anything, "acme", "alpha", mock.Anything).
			Return(someCommits(3), nil).Once()
		source.On("ListCommitsSince", mock.Anything, "acme", "beta", mock.Anything).
			Return(someCommits(2), nil).Once()

		writer.On("Write", mock.Anything, "acme/alpha", mock.Anything).
			Return(model.BatchResult{Processed: 1, Skipped: 2}, nil).Once()
		writer.On("Write", mock.Anything, "acme/beta", mock.Anything).
			Return(model.BatchResult{Skipped: 1, Errors: 1}, nil).Once()

		c, err := NewCoordinator(source, writer, cursor, testLogger(),
			[]string{"acme/alpha", "acme/beta"}, fastOptions())
		require.NoError(t, err)

		stats := c.SyncRepositories(ctx, Incremental())

		assert.Equal(t, 1, stats.Processed)
		assert.Equal(t, 3, stats.Skipped)
		assert.Equal(t, 1, stats.Errors)
		assert.Equal(t, 0, stats.FailedRepos)
	})

	t.Run("skips the write when no commits were found", func(t *testing.T) {
		source := new(MockCommitSource)
		writer := new(MockBatchWriter)
		cursor := new(MockCursorSource)
		noCursor(cursor)

		source.On("ListCommitsSince", mock.Anything, "acme", "quiet", mock.Anything).
			Return([]model.CommitRecord{}, nil).Once()

		c, err := NewCoordinator(source, writer, cursor, testLogger(), []string{"acme/quiet"}, fastOptions())
		require.NoError(t, err)

		stats := c.SyncRepositories(ctx, Incremental())

		assert.Equal(t, 0, stats.Total())
		writer.AssertNotCalled(t, "Write")
	})
}

// memStore is an in-memory RecordStore for driving the coordinator against
// the real batch writer.
type memStore struct {
	mu     sync.Mutex
	stored []model.CommitRecord
}

func (m *memStore) CreateRecord(ctx context.Context, rec model.CommitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stored {
		if existing.Repository == rec.Repository && existing.Identifier == rec.Identifier {
			return custom_errors.ErrDuplicateRecord
		}
	}
	m.stored = append(m.stored, rec)
	return nil
}

func (m *memStore) QueryPage(ctx context.Context, repo, cursor string, pageSize int) (store.RecordPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := store.RecordPage{}
	for _, rec := range m.stored {
		if rec.Repository != repo {
			continue
		}
		page.Records = append(page.Records, store.Record{
			Identifier: rec.Identifier,
			Message:    model.TruncateMessage(rec.Message),
			Timestamp:  rec.Timestamp,
		})
	}
	return page, nil
}

func (m *memStore) ExistsByIdentifier(ctx context.Context, repo, identifier string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.stored {
		if rec.Repository == repo && rec.Identifier == identifier {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LatestTimestamp(ctx context.Context, repo string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, rec := range m.stored {
		if rec.Repository == repo && rec.Timestamp.After(latest) {
			latest = rec.Timestamp
			found = true
		}
	}
	return latest, found, nil
}

func (m *memStore) IdentifierCapability(ctx context.Context) store.Capability {
	return store.CapabilityPresent
}

func (m *memStore) count(repo string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.stored {
		if rec.Repository == repo {
			n++
		}
	}
	return n
}

func TestSyncRepositories_IncrementalEndToEnd(t *testing.T) {
	// One repository with a stored commit at the cursor: a pass with a one-day
	// overlap re-fetches that commit plus a new one, and the aggregate must
	// count exactly one write and one skip.
	ctx := context.Background()
	cursorTime := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	alreadyStored := model.CommitRecord{
		Identifier: "aaa111",
		Repository: "acme/widgets",
		Message:    "fix: cursor handling",
		AuthorName: "Dev One",
		Timestamp:  cursorTime,
	}
	st := &memStore{stored: []model.CommitRecord{alreadyStored}}

	cache := dedup.New(st, testLogger(), dedup.Options{})
	writer := ingest.NewWriter(st, cache, testLogger(), ingest.Options{})

	fresh := model.CommitRecord{
		Identifier: "bbb222",
		Repository: "acme/widgets",
		Message:    "feat: something new",
		AuthorName: "Dev Two",
		Timestamp:  cursorTime.Add(2 * time.Hour),
	}
	expectedSince := cursorTime.Add(-24 * time.Hour)

	source := new(MockCommitSource)
	source.On("ListCommitsSince", mock.Anything, "acme", "widgets",
		mock.MatchedBy(func(since time.Time) bool { return since.Equal(expectedSince) })).
		Return([]model.CommitRecord{alreadyStored, fresh}, nil).Once()

	opts := fastOptions()
	opts.Overlap = 24 * time.Hour
	c, err := NewCoordinator(source, writer, st, testLogger(), []string{"acme/widgets"}, opts)
	require.NoError(t, err)

	stats := c.SyncRepositories(ctx, Incremental())

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 0, stats.FailedRepos)
	assert.Equal(t, 2, st.count("acme/widgets"))
	source.AssertExpectations(t)
}

func TestWindowStart(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, cursor *MockCursorSource, mode Mode, opts Options) time.Time {
		t.Helper()
		source := new(MockCommitSource)
		writer := new(MockBatchWriter)

		var captured time.Time
		source.On("ListCommitsSince", mock.Anything, "acme", "widgets", mock.Anything).
			Run(func(args mock.Arguments) { captured = args.Get(3).(time.Time) }).
			Return([]model.CommitRecord{}, nil).Once()

		c, err := NewCoordinator(source, writer, cursor, testLogger(), []string{"acme/widgets"}, opts)
		require.NoError(t, err)
		c.SyncRepositories(ctx, mode)
		return captured
	}

	t.Run("incremental pads the cursor backward by the overlap", func(t *testing.T) {
		cursorTime := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
		cursor := new(MockCursorSource)
		cursor.On("LatestTimestamp", mock.Anything, "acme/widgets").Return(cursorTime, true, nil).Once()

		opts := fastOptions()
		opts.Overlap = 24 * time.Hour

		since := run(t, cursor, Incremental(), opts)
		assert.Equal(t, cursorTime.Add(-24*time.Hour), since)
	})

	t.Run("incremental without a cursor uses the fallback window", func(t *testing.T) {
		cursor := new(MockCursorSource)
		cursor.On("LatestTimestamp", mock.Anything, "acme/widgets").Return(time.Time{}, false, nil).Once()

		opts := fastOptions()
		opts.Fallback = 7 * 24 * time.Hour

		since := run(t, cursor, Incremental(), opts)
		assert.WithinDuration(t, time.Now().Add(-opts.Fallback), since, 5*time.Second)
	})

	t.Run("cursor lookup failure falls back instead of aborting", func(t *testing.T) {
		cursor := new(MockCursorSource)
		cursor.On("LatestTimestamp", mock.Anything, "acme/widgets").
			Return(time.Time{}, false, errors.New("store unreachable")).Once()

		opts := fastOptions()
		opts.Fallback = 7 * 24 * time.Hour

		since := run(t, cursor, Incremental(), opts)
		assert.WithinDuration(t, time.Now().Add(-opts.Fallback), since, 5*time.Second)
	})

	t.Run("fixed window ignores the cursor entirely", func(t *testing.T) {
		cursor := new(MockCursorSource)

		mode, err := FixedWindow(6)
		require.NoError(t, err)

		since := run(t, cursor, mode, fastOptions())
		assert.WithinDuration(t, time.Now().AddDate(0, -6, 0), since, 5*time.Second)
		cursor.AssertNotCalled(t, "LatestTimestamp")
	})
}

func TestFixedWindowBounds(t *testing.T) {
	for _, months := range []int{MinWindowMonths, 12, MaxWindowMonths} {
		_, err := FixedWindow(months)
		assert.NoError(t, err)
	}
	for _, months := range []int{0, -1, MaxWindowMonths + 1} {
		_, err := FixedWindow(months)
		assert.Error(t, err)
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "incremental", Incremental().String())
	mode, err := FixedWindow(6)
	require.NoError(t, err)
	assert.Equal(t, "fixed-window(6mo)", mode.String())
}

func TestNewCoordinator_RepoParsing(t *testing.T) {
	source := new(MockCommitSource)
	writer := new(MockBatchWriter)
	cursor := new(MockCursorSource)

	t.Run("rejects malformed repository identifiers", func(t *testing.T) {
		for _, repo := range []string{"no-slash", "too/many/parts", "/name", "owner/"} {
			_, err := NewCoordinator(source, writer, cursor, testLogger(), []string{repo}, Options{})
			var formatErr *custom_errors.ErrInvalidRepoFormat
			assert.ErrorAs(t, err, &formatErr, repo)
		}
	})

	t.Run("accepts owner/name pairs", func(t *testing.T) {
		c, err := NewCoordinator(source, writer, cursor, testLogger(), []string{"acme/widgets"}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "acme/widgets", c.repos[0].FullName())
	})
}
