// internal/github/client_test.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a httptest server and a github client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)

	// We can pass an empty token because we are not authenticating to the real GitHub.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient("", logger)

	// Override the client's internal http client to point to our test server.
	testClient, err := github.NewClient(server.Client()).WithEnterpriseURLs(server.URL, server.URL)
	require.NoError(t, err)
	client.gh = testClient

	return client, server
}

func commitJSON(sha, message string) string {
	return fmt.Sprintf(`{
		"sha": %q,
		"html_url": "https://github.com/test/repo/commit/%s",
		"commit": {
			"message": %q,
			"author": {"name": "Dev One", "email": "dev@example.com", "date": "2024-03-01T12:00:00Z"}
		}
	}`, sha, sha, message)
}

func TestClient_ListCommitsSince(t *testing.T) {
	t.Run("fetches and normalizes a single page", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			assert.Equal(t, "/api/v3/repos/test/repo/commits", r.URL.Path)
			assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("since"))
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "[%s, %s]", commitJSON("aaa111", "feat: one"), commitJSON("bbb222", "fix: two"))
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		commits, err := client.ListCommitsSince(context.Background(), "test", "repo", since)

		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
		require.Len(t, commits, 2)
		assert.Equal(t, "aaa111", commits[0].Identifier)
		assert.Equal(t, "test/repo", commits[0].Repository)
		assert.Equal(t, "feat: one", commits[0].Message)
		assert.Equal(t, "Dev One", commits[0].AuthorName)
		assert.Equal(t, "dev@example.com", commits[0].AuthorEmail)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), commits[0].Timestamp.UTC())
		assert.Equal(t, "https://github.com/test/repo/commit/aaa111", commits[0].URL)
	})

	t.Run("follows pagination to the last page", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			if r.URL.Query().Get("page") == "" {
				w.Header().Set("Link", `<https://example.org/repos/test/repo/commits?page=2>; rel="next"`)
				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, "[%s]", commitJSON("aaa111", "page one"))
				return
			}
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "[%s]", commitJSON("bbb222", "page two"))
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		commits, err := client.ListCommitsSince(context.Background(), "test", "repo", time.Time{})

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
		require.Len(t, commits, 2)
		assert.Equal(t, "aaa111", commits[0].Identifier)
		assert.Equal(t, "bbb222", commits[1].Identifier)
	})

	t.Run("retries on 503 server error and succeeds", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.WriteHeader(http.StatusServiceUnavailable) // Fail first time
				return
			}
			w.WriteHeader(http.StatusOK) // Succeed second time
			fmt.Fprintf(w, "[%s]", commitJSON("aaa111", "eventually"))
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		commits, err := client.ListCommitsSince(context.Background(), "test", "repo", time.Time{})

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
		assert.Len(t, commits, 1)
	})

	t.Run("waits out a rate limit window", func(t *testing.T) {
		var requestCount int32
		resetTime := time.Now().Add(50 * time.Millisecond) // Short wait time for test
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "[%s]", commitJSON("aaa111", "after the wait"))
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.ListCommitsSince(context.Background(), "test", "repo", time.Time{})

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
	})

	t.Run("fails after max retries on persistent server error", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.ListCommitsSince(context.Background(), "test", "repo", time.Time{})

		require.Error(t, err)
		var ghErr *github.ErrorResponse
		assert.ErrorAs(t, err, &ghErr)
		assert.Equal(t, http.StatusInternalServerError, ghErr.Response.StatusCode)
		assert.Equal(t, int32(maxRetries), atomic.LoadInt32(&requestCount))
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.ListCommitsSince(context.Background(), "test", "repo", time.Time{})

		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})
}
