// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRepoFormat is returned when a repository string in the config is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrDuplicateRecord signals that the destination already holds a record with
// the same repository and identifier. Callers treat this as a skip, not a
// failure.
var ErrDuplicateRecord = errors.New("record already exists")

// ErrSchemaIncompatible signals that the destination schema lacks the
// identifier column and it could not be added. The pipeline degrades to
// legacy fingerprint dedup instead of failing.
var ErrSchemaIncompatible = errors.New("destination schema lacks identifier column")

// RateLimitError is returned when the record store rejects a call because of
// rate limiting. RetryAfter is zero when the store did not say how long to
// wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited reports whether err (or anything it wraps) is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsDuplicate reports whether err represents a write conflict on an already
// stored record.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateRecord)
}
