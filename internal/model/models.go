// internal/model/models.go
package model

import (
	"strings"
	"time"
)

const (
	// MaxMessageLength is the destination store's field limit for commit
	// messages. Longer messages are truncated with TruncationMarker so the
	// stored value never exceeds this length.
	MaxMessageLength = 2000

	// TruncationMarker is appended to messages cut at MaxMessageLength.
	TruncationMarker = "..."
)

// CommitRecord is the normalized representation of one source-control change.
// Records from the webhook path and the backfill path share this shape, so
// everything downstream is origin-agnostic.
type CommitRecord struct {
	Identifier  string    // source revision id (commit SHA), unique per repository
	Repository  string    // owning project in "owner/name" form
	Message     string    // free text, truncated at write time
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time // authored time, not received time
	URL         string    // canonical link back to the source system
}

// Fingerprint returns the legacy "message|timestamp" dedup key, used when the
// destination schema has no identifier column. It is computed over the
// truncated message so it matches what was actually stored.
func (c CommitRecord) Fingerprint() string {
	return TruncateMessage(c.Message) + "|" + c.Timestamp.UTC().Format(time.RFC3339)
}

// TruncateMessage caps a message at MaxMessageLength. A message exactly at the
// limit is returned unmodified; anything longer is cut so that the marker
// still fits within the limit.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxMessageLength {
		return msg
	}
	cut := msg[:MaxMessageLength-len(TruncationMarker)]
	// Never emit a rune that was split at the cut point.
	cut = strings.ToValidUTF8(cut, "")
	return cut + TruncationMarker
}

// BatchResult is the outcome of processing a set of commit records. It is
// returned up the call chain and aggregated for reporting, never persisted.
type BatchResult struct {
	Processed int `json:"processed"` // newly written
	Skipped   int `json:"skipped"`   // duplicates
	Errors    int `json:"errors"`    // failed writes
}

// Merge adds the counts from other into r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Errors += other.Errors
}

// Total returns the number of commits accounted for in the result.
func (r BatchResult) Total() int {
	return r.Processed + r.Skipped + r.Errors
}
