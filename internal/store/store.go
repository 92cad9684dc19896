// internal/store/store.go
package store

import (
	"context"
	"time"

	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

// Capability is the result of probing the destination schema for the
// identifier column. It is detected once per process and cached; consumers
// branch on it instead of catching failed reads.
type Capability int

const (
	// CapabilityUnknown means the probe itself failed (network error). The
	// pipeline behaves as if the column were absent but may log differently.
	CapabilityUnknown Capability = iota
	// CapabilityPresent means the destination has an identifier column.
	CapabilityPresent
	// CapabilityAbsent means the column is missing and could not be added;
	// dedup falls back to legacy message|timestamp fingerprints.
	CapabilityAbsent
)

func (c Capability) String() string {
	switch c {
	case CapabilityPresent:
		return "present"
	case CapabilityAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Record is the subset of a stored record needed to rebuild the dedup cache.
type Record struct {
	Identifier string // empty when the schema has no identifier column
	Message    string
	Timestamp  time.Time
}

// RecordPage is one page of records for a repository.
type RecordPage struct {
	Records    []Record
	NextCursor string // opaque; empty when HasMore is false
	HasMore    bool
}

// RecordStore is the adapter over the external record store. Implementations
// must be safe for concurrent use; the batch writer issues several calls in
// flight at once.
type RecordStore interface {
	// CreateRecord writes one commit record. The message is truncated to the
	// destination field limit. Returns errors.ErrDuplicateRecord when the
	// destination reports a conflict on (repository, identifier).
	CreateRecord(ctx context.Context, rec model.CommitRecord) error

	// QueryPage returns one page of stored records for a repository. Pass an
	// empty cursor for the first page.
	QueryPage(ctx context.Context, repo, cursor string, pageSize int) (RecordPage, error)

	// ExistsByIdentifier is the race guard: one existence probe scoped to
	// (repository, identifier), issued immediately before each write.
	ExistsByIdentifier(ctx context.Context, repo, identifier string) (bool, error)

	// LatestTimestamp returns the most recent stored commit timestamp for a
	// repository. ok is false when the repository has no records yet.
	LatestTimestamp(ctx context.Context, repo string) (t time.Time, ok bool, err error)

	// IdentifierCapability probes the destination schema for the identifier
	// column, attempting to add it when missing. The result is cached for the
	// process lifetime.
	IdentifierCapability(ctx context.Context) Capability
}
