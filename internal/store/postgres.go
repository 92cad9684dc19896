// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	custom_errors "github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/errors"
	"github.com/FallingWithStyle/Github-Notion-Logger-sub000/internal/model"
)

const uniqueViolationCode = "23505"

// PostgresStore implements RecordStore on a Postgres table. The base schema
// (migrations/) has no commit_sha column; the capability probe adds it at
// runtime together with a partial unique index, so duplicate writes surface
// as conflicts instead of silent double rows.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	capOnce sync.Once
	cap     Capability
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) CreateRecord(ctx context.Context, rec model.CommitRecord) error {
	message := model.TruncateMessage(rec.Message)
	var err error
	if s.IdentifierCapability(ctx) == CapabilityPresent && rec.Identifier != "" {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO commit_records (project, message, author, commit_date, url, commit_sha)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.Repository, message, rec.AuthorName, rec.Timestamp, rec.URL, rec.Identifier)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO commit_records (project, message, author, commit_date, url)
			 VALUES ($1, $2, $3, $4, $5)`,
			rec.Repository, message, rec.AuthorName, rec.Timestamp, rec.URL)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return custom_errors.ErrDuplicateRecord
		}
		return err
	}
	return nil
}

func (s *PostgresStore) QueryPage(ctx context.Context, repo, cursor string, pageSize int) (RecordPage, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return RecordPage{}, fmt.Errorf("invalid page cursor %q", cursor)
		}
		offset = parsed
	}

	query := `SELECT '' AS commit_sha, message, commit_date FROM commit_records
	          WHERE project = $1 ORDER BY id LIMIT $2 OFFSET $3`
	if s.IdentifierCapability(ctx) == CapabilityPresent {
		query = `SELECT COALESCE(commit_sha, ''), message, commit_date FROM commit_records
		         WHERE project = $1 ORDER BY id LIMIT $2 OFFSET $3`
	}

	rows, err := s.pool.Query(ctx, query, repo, pageSize, offset)
	if err != nil {
		return RecordPage{}, err
	}
	defer rows.Close()

	page := RecordPage{Records: make([]Record, 0, pageSize)}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Identifier, &rec.Message, &rec.Timestamp); err != nil {
			return RecordPage{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return RecordPage{}, err
	}
	if len(page.Records) == pageSize {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(offset + pageSize)
	}
	return page, nil
}

func (s *PostgresStore) ExistsByIdentifier(ctx context.Context, repo, identifier string) (bool, error) {
	if s.IdentifierCapability(ctx) != CapabilityPresent {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM commit_records WHERE project = $1 AND commit_sha = $2)`,
		repo, identifier).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) LatestTimestamp(ctx context.Context, repo string) (time.Time, bool, error) {
	var latest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(commit_date) FROM commit_records WHERE project = $1`, repo).Scan(&latest)
	if err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

// IdentifierCapability probes information_schema for the commit_sha column and
// adds it (plus the conflict index) when missing. Runs once per process.
func (s *PostgresStore) IdentifierCapability(ctx context.Context) Capability {
	s.capOnce.Do(func() {
		s.cap = s.probeIdentifierColumn(ctx)
		s.logger.Info("Detected record store identifier capability", "capability", s.cap.String())
	})
	return s.cap
}

func (s *PostgresStore) probeIdentifierColumn(ctx context.Context) Capability {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.columns
		   WHERE table_name = 'commit_records' AND column_name = 'commit_sha'
		 )`).Scan(&exists)
	if err != nil {
		s.logger.Warn("Identifier capability probe failed", "error", err)
		return CapabilityUnknown
	}
	if !exists {
		if _, err := s.pool.Exec(ctx, `ALTER TABLE commit_records ADD COLUMN IF NOT EXISTS commit_sha TEXT`); err != nil {
			s.logger.Warn("Could not add identifier column, continuing with legacy dedup", "error", err)
			return CapabilityAbsent
		}
	}
	// The partial unique index makes the insert itself the final race guard.
	if _, err := s.pool.Exec(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS commit_records_project_sha_idx
		 ON commit_records (project, commit_sha) WHERE commit_sha IS NOT NULL`); err != nil {
		s.logger.Warn("Could not create identifier index", "error", err)
	}
	return CapabilityPresent
}
