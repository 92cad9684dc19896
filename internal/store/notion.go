// internal/store/notion.go
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	custom_errors "github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/errors"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

// Notion database property names used by the commit log.
const (
	propTitle    = "Name"
	propProject  = "Project"
	propDate     = "Date"
	propCommitID = "Commit ID"
	propAuthor   = "Author"
	propURL      = "URL"
)

const (
	defaultNotionBaseURL = "https://api.notion.com"
	notionAPIVersion     = "2022-06-28"
	notionMaxRetries     = 3
	notionBaseDelay      = 100 * time.Millisecond
	notionMaxDelay       = 2 * time.Second
)

// NotionStoreOptions configures a NotionStore. Zero values fall back to sane
// defaults; only Token and DatabaseID are required.
type NotionStoreOptions struct {
	BaseURL    string
	Token      string
	DatabaseID string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NotionStore implements RecordStore against a Notion database, one page per
// commit record.
type NotionStore struct {
	baseURL    string
	token      string
	databaseID string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger

	capOnce sync.Once
	cap     Capability
}

// NewNotionStore creates a NotionStore.
func NewNotionStore(opts NotionStoreOptions, logger *slog.Logger) *NotionStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultNotionBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = notionMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = notionBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = notionMaxDelay
	}
	return &NotionStore{
		baseURL:    baseURL,
		token:      opts.Token,
		databaseID: opts.DatabaseID,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

// --- wire format ---
//
// Only the slices of the Notion API the adapter touches are modeled, as fixed
// structs with explicit mapping functions.

type notionText struct {
	Content string `json:"content"`
}

type notionRichText struct {
	PlainText string      `json:"plain_text,omitempty"`
	Text      *notionText `json:"text,omitempty"`
}

type notionDate struct {
	Start string `json:"start"`
}

type notionProperty struct {
	Title    []notionRichText `json:"title,omitempty"`
	RichText []notionRichText `json:"rich_text,omitempty"`
	Date     *notionDate      `json:"date,omitempty"`
	URL      string           `json:"url,omitempty"`
}

type notionPage struct {
	Properties map[string]notionProperty `json:"properties"`
}

type notionQueryRequest struct {
	Filter      json.RawMessage `json:"filter,omitempty"`
	Sorts       []notionSort    `json:"sorts,omitempty"`
	StartCursor string          `json:"start_cursor,omitempty"`
	PageSize    int             `json:"page_size,omitempty"`
}

type notionSort struct {
	Property  string `json:"property"`
	Direction string `json:"direction"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type notionCreatePageRequest struct {
	Parent     notionParent              `json:"parent"`
	Properties map[string]notionProperty `json:"properties"`
}

type notionParent struct {
	DatabaseID string `json:"database_id"`
}

type notionDatabase struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

func richText(s string) []notionRichText {
	return []notionRichText{{Text: &notionText{Content: s}}}
}

func plainText(rts []notionRichText) string {
	var b strings.Builder
	for _, rt := range rts {
		if rt.PlainText != "" {
			b.WriteString(rt.PlainText)
			continue
		}
		if rt.Text != nil {
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}

func projectFilter(repo string) json.RawMessage {
	f := map[string]any{
		"property":  propProject,
		"rich_text": map[string]string{"equals": repo},
	}
	raw, _ := json.Marshal(f)
	return raw
}

func projectAndIdentifierFilter(repo, identifier string) json.RawMessage {
	f := map[string]any{
		"and": []any{
			map[string]any{"property": propProject, "rich_text": map[string]string{"equals": repo}},
			map[string]any{"property": propCommitID, "rich_text": map[string]string{"equals": identifier}},
		},
	}
	raw, _ := json.Marshal(f)
	return raw
}

// recordFromPage maps a Notion page back into the adapter's record shape.
func recordFromPage(p notionPage) Record {
	rec := Record{
		Identifier: plainText(p.Properties[propCommitID].RichText),
		Message:    plainText(p.Properties[propTitle].Title),
	}
	if d := p.Properties[propDate].Date; d != nil {
		if ts, err := time.Parse(time.RFC3339, d.Start); err == nil {
			rec.Timestamp = ts
		}
	}
	return rec
}

// --- RecordStore implementation ---

func (s *NotionStore) CreateRecord(ctx context.Context, rec model.CommitRecord) error {
	props := map[string]notionProperty{
		propTitle:   {Title: richText(model.TruncateMessage(rec.Message))},
		propProject: {RichText: richText(rec.Repository)},
		propDate:    {Date: &notionDate{Start: rec.Timestamp.UTC().Format(time.RFC3339)}},
		propAuthor:  {RichText: richText(rec.AuthorName)},
	}
	if rec.URL != "" {
		props[propURL] = notionProperty{URL: rec.URL}
	}
	if s.IdentifierCapability(ctx) == CapabilityPresent && rec.Identifier != "" {
		props[propCommitID] = notionProperty{RichText: richText(rec.Identifier)}
	}
	body := notionCreatePageRequest{
		Parent:     notionParent{DatabaseID: s.databaseID},
		Properties: props,
	}
	return s.do(ctx, http.MethodPost, "/v1/pages", body, nil)
}

func (s *NotionStore) QueryPage(ctx context.Context, repo, cursor string, pageSize int) (RecordPage, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	req := notionQueryRequest{
		Filter:      projectFilter(repo),
		StartCursor: cursor,
		PageSize:    pageSize,
	}
	var resp notionQueryResponse
	if err := s.do(ctx, http.MethodPost, "/v1/databases/"+s.databaseID+"/query", req, &resp); err != nil {
		return RecordPage{}, err
	}
	page := RecordPage{
		Records:    make([]Record, 0, len(resp.Results)),
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	for _, p := range resp.Results {
		page.Records = append(page.Records, recordFromPage(p))
	}
	return page, nil
}

func (s *NotionStore) ExistsByIdentifier(ctx context.Context, repo, identifier string) (bool, error) {
	if s.IdentifierCapability(ctx) != CapabilityPresent {
		// Without the column there is nothing precise to probe; the legacy
		// fingerprint scan already did what it could.
		return false, nil
	}
	req := notionQueryRequest{
		Filter:   projectAndIdentifierFilter(repo, identifier),
		PageSize: 1,
	}
	var resp notionQueryResponse
	if err := s.do(ctx, http.MethodPost, "/v1/databases/"+s.databaseID+"/query", req, &resp); err != nil {
		return false, err
	}
	return len(resp.Results) > 0, nil
}

func (s *NotionStore) LatestTimestamp(ctx context.Context, repo string) (time.Time, bool, error) {
	req := notionQueryRequest{
		Filter:   projectFilter(repo),
		Sorts:    []notionSort{{Property: propDate, Direction: "descending"}},
		PageSize: 1,
	}
	var resp notionQueryResponse
	if err := s.do(ctx, http.MethodPost, "/v1/databases/"+s.databaseID+"/query", req, &resp); err != nil {
		return time.Time{}, false, err
	}
	if len(resp.Results) == 0 {
		return time.Time{}, false, nil
	}
	rec := recordFromPage(resp.Results[0])
	if rec.Timestamp.IsZero() {
		return time.Time{}, false, nil
	}
	return rec.Timestamp, true, nil
}

// IdentifierCapability checks the database for the Commit ID property,
// attempting to add it when missing. The probe runs once per process.
func (s *NotionStore) IdentifierCapability(ctx context.Context) Capability {
	s.capOnce.Do(func() {
		s.cap = s.probeIdentifierProperty(ctx)
		s.logger.Info("Detected record store identifier capability", "capability", s.cap.String())
	})
	return s.cap
}

func (s *NotionStore) probeIdentifierProperty(ctx context.Context) Capability {
	var db notionDatabase
	if err := s.do(ctx, http.MethodGet, "/v1/databases/"+s.databaseID, nil, &db); err != nil {
		s.logger.Warn("Identifier capability probe failed", "error", err)
		return CapabilityUnknown
	}
	if _, ok := db.Properties[propCommitID]; ok {
		return CapabilityPresent
	}
	// Try to add the property so future runs can dedup by identifier.
	patch := map[string]any{
		"properties": map[string]any{
			propCommitID: map[string]any{"rich_text": map[string]any{}},
		},
	}
	if err := s.do(ctx, http.MethodPatch, "/v1/databases/"+s.databaseID, patch, nil); err != nil {
		s.logger.Warn("Could not add identifier column, continuing with legacy dedup", "error", err)
		return CapabilityAbsent
	}
	return CapabilityPresent
}

// do performs one API call with retries on 429 and 5xx responses, honoring
// Retry-After when present.
func (s *NotionStore) do(ctx context.Context, method, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	url := s.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		req.Header.Set("Notion-Version", notionAPIVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return &custom_errors.RateLimitError{RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After"))}
		}
		if resp.StatusCode == http.StatusConflict {
			return custom_errors.ErrDuplicateRecord
		}
		return fmt.Errorf("notion %s %s failed: status=%d message=%s", method, path, resp.StatusCode, notionErrorMessage(respBody))
	}
}

func notionErrorMessage(body []byte) string {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		if parsed.Code != "" {
			return parsed.Code + ": " + parsed.Message
		}
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

func (s *NotionStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
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
