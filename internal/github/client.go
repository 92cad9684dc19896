// internal/github/client.go
package github

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

const (
	perPage       = 100 // Max per page
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
	// One page fetch per interPageDelay keeps backfill under the API's
	// secondary rate limits.
	interPageDelay = 500 * time.Millisecond
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh          *github.Client
	logger      *slog.Logger
	pageLimiter *rate.Limiter
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:          github.NewClient(tc),
		logger:      logger,
		pageLimiter: rate.NewLimiter(rate.Every(interPageDelay), 1),
	}
}

// ListCommitsSince fetches all commits for a repository authored since the
// given time, normalized into the shared commit record shape. Pagination is a
// plain loop: pages arrive oldest-to-newest within the sequence and each
// fetch is paced by the page limiter.
func (c *Client) ListCommitsSince(ctx context.Context, owner, name string, since time.Time) ([]model.CommitRecord, error) {
	var all []model.CommitRecord
	repo := owner + "/" + name

	opts := &github.CommitsListOptions{
		Since: since,
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}

	for {
		if err := c.pageLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		c.logger.Debug("Fetching commits page", "owner", owner, "repo", name, "page", opts.Page)

		commits, resp, err := c.listCommitsPage(ctx, owner, name, opts)
		if err != nil {
			return nil, err
		}

		for _, commit := range commits {
			all = append(all, toCommitRecord(repo, commit))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// listCommitsPage fetches one page, retrying transient server errors with
// backoff and waiting out API rate-limit windows.
func (c *Client) listCommitsPage(ctx context.Context, owner, name string, opts *github.CommitsListOptions) ([]*github.RepositoryCommit, *github.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		if err == nil {
			return commits, resp, nil
		}
		lastErr = err

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			wait := time.Until(rateErr.Rate.Reset.Time)
			c.logger.Warn("GitHub rate limit hit, waiting for reset", "wait", wait.String())
			if sleepErr := sleepContext(ctx, wait); sleepErr != nil {
				return nil, nil, sleepErr
			}
			continue
		}

		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode >= 500 {
			if sleepErr := sleepContext(ctx, retryBaseWait*time.Duration(attempt)); sleepErr != nil {
				return nil, nil, sleepErr
			}
			continue
		}

		return nil, nil, err
	}
	return nil, nil, lastErr
}

// toCommitRecord translates a github.RepositoryCommit into the shared shape.
func toCommitRecord(repo string, c *github.RepositoryCommit) model.CommitRecord {
	return model.CommitRecord{
		Identifier:  c.GetSHA(),
		Repository:  repo,
		Message:     c.GetCommit().GetMessage(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		Timestamp:   c.GetCommit().GetAuthor().GetDate().Time,
		URL:         c.GetHTMLURL(),
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
