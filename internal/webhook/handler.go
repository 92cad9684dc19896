// internal/webhook/handler.go

// Package webhook receives GitHub push notifications, validates their
// signatures, and hands the contained commits to the batch writer without
// blocking the inbound request.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v62/github"
	"github.com/google/uuid"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

// CommitWriter is the slice of the batch writer the receiver needs.
type CommitWriter interface {
	Write(ctx context.Context, repo string, commits []model.CommitRecord) (model.BatchResult, error)
}

// Handler is the container for webhook dependencies.
type Handler struct {
	writer       CommitWriter
	secret       []byte
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewRouter creates a chi router serving the webhook and health endpoints.
// writeTimeout bounds the asynchronous write path; a hand-off that exceeds it
// is abandoned and logged, never retried (the event source stays the system
// of record and can be backfilled).
func NewRouter(writer CommitWriter, secret string, writeTimeout time.Duration, logger *slog.Logger) http.Handler {
	h := &Handler{
		writer:       writer,
		secret:       []byte(secret),
		logger:       logger,
		writeTimeout: writeTimeout,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Post("/webhook/github", h.handleGithubEvent)

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGithubEvent validates and decodes a push notification, acknowledges
// immediately, and processes the commits asynchronously so the event source's
// delivery timeout is decoupled from write latency.
func (h *Handler) handleGithubEvent(w http.ResponseWriter, r *http.Request) {
	// Constant-time HMAC-SHA256 check over the raw body; nothing is processed
	// on a mismatch.
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("Rejected webhook with invalid signature", "error", err)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed payload")
		return
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		// Only pushes carry commits; everything else is acknowledged and dropped.
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	deliveryID := github.DeliveryID(r)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	repo := push.GetRepo().GetFullName()
	commits := normalizePushCommits(repo, push)

	respondWithJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"delivery": deliveryID,
		"commits":  len(commits),
	})

	if len(commits) == 0 {
		return
	}
	go h.process(deliveryID, repo, commits)
}

// process runs the write path for one delivery under a hard timeout.
func (h *Handler) process(deliveryID, repo string, commits []model.CommitRecord) {
	logger := h.logger.With("delivery", deliveryID, "repo", repo)
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()

	result, err := h.writer.Write(ctx, repo, commits)
	if err != nil {
		// Already acknowledged; the attempt is abandoned, a later backfill
		// picks up anything lost.
		logger.Error("Abandoned webhook write", "error", err,
			"processed", result.Processed, "skipped", result.Skipped, "errors", result.Errors)
		return
	}
	logger.Info("Webhook delivery processed",
		"processed", result.Processed, "skipped", result.Skipped, "errors", result.Errors)
}

// normalizePushCommits maps push-event commits into the shared commit record
// shape, the same one the backfill path produces.
func normalizePushCommits(repo string, push *github.PushEvent) []model.CommitRecord {
	commits := make([]model.CommitRecord, 0, len(push.Commits))
	for _, c := range push.Commits {
		commits = append(commits, model.CommitRecord{
			Identifier:  c.GetID(),
			Repository:  repo,
			Message:     c.GetMessage(),
			AuthorName:  c.GetAuthor().GetName(),
			AuthorEmail: c.GetAuthor().GetEmail(),
			Timestamp:   c.GetTimestamp().Time,
			URL:         c.GetURL(),
		})
	}
	return commits
}
