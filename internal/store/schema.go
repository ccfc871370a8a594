package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// schemaVersion is the current on-disk schema version. Opening a store
// written by a newer version fails rather than risking silent corruption.
const schemaVersion = 1

// CharsetSize is the number of symbols in the identifier alphabet
// (digits + lowercase + uppercase). The generator in internal/alloc owns
// the alphabet itself; ledger capacity math only needs its size.
const CharsetSize = 62

// capacityMargin is the fraction of each length's keyspace held back for
// reserved words and future use.
const capacityMargin = 0.001

var createTableStmts = []string{
	`CREATE TABLE IF NOT EXISTS allocation_records (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		identifier TEXT UNIQUE,
		original_filename TEXT NOT NULL,
		file_extension TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		media_type TEXT NOT NULL,
		storage_key TEXT NOT NULL DEFAULT '',
		public_url TEXT NOT NULL DEFAULT '',
		identifier_length INTEGER,
		generation_salt TEXT,
		identifier_assigned_at TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'active',
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keyspace_ledger (
		length INTEGER PRIMARY KEY,
		consumed INTEGER NOT NULL DEFAULT 0,
		capacity INTEGER NOT NULL,
		exhausted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reserved_identifiers (
		value TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES allocation_records(id),
		kind TEXT NOT NULL,
		details TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`,
}

var createIndexStmts = []string{
	`CREATE INDEX IF NOT EXISTS idx_allocation_records_status ON allocation_records(status)`,
	`CREATE INDEX IF NOT EXISTS idx_allocation_records_created_at ON allocation_records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_log_record_id ON operation_log(record_id)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_log_kind ON operation_log(kind)`,
}

// seedReservedWords are identifiers that must never be minted: routing
// prefixes, error pages, and common words a public URL namespace needs
// to keep for itself.
var seedReservedWords = []struct {
	Value  string
	Reason string
}{
	{"api", "API endpoint prefix"},
	{"admin", "admin interface"},
	{"www", "site root"},
	{"help", "help pages"},
	{"test", "testing"},
	{"null", "null literal"},
	{"temp", "temporary files"},
	{"data", "data directory"},
	{"file", "file keyword"},
	{"user", "user keyword"},
	{"root", "root directory"},
	{"sys", "system keyword"},
	{"app", "application keyword"},
	{"web", "web keyword"},
	{"img", "image keyword"},
	{"pic", "image keyword"},
	{"404", "error page"},
	{"500", "error page"},
	{"403", "error page"},
	{"401", "error page"},
}

// lengthCapacity computes the usable keyspace for identifiers of the given
// length: charset^length minus the reserved margin, clamped to int64 (62^11
// already overflows; beyond the clamp the counter can never catch up, which
// is the correct behavior for practically infinite lengths).
func lengthCapacity(length int) int64 {
	total := math.Pow(CharsetSize, float64(length)) * (1 - capacityMargin)
	if total >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(total)
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.checkSchemaVersion(ctx); err != nil {
		return err
	}
	for _, stmt := range createTableStmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range createIndexStmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := s.recordSchemaVersion(ctx); err != nil {
		return err
	}
	return s.seed(ctx)
}

func (s *Store) checkSchemaVersion(ctx context.Context) error {
	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1`).Scan(&current)
	if err != nil {
		// Fresh database: the table does not exist yet.
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: store has v%d, build supports v%d",
			ErrSchemaVersionNewer, current, schemaVersion)
	}
	return nil
}

func (s *Store) recordSchemaVersion(ctx context.Context) error {
	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			schemaVersion, s.now()); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	return err
}

// seed installs the reserved-word denylist and the initial ledger row.
// Both inserts are idempotent so reopening an existing store is a no-op.
func (s *Store) seed(ctx context.Context) error {
	for _, r := range seedReservedWords {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO reserved_identifiers (value, reason, created_at) VALUES (?, ?, ?)`,
			r.Value, r.Reason, s.now()); err != nil {
			return fmt.Errorf("seed reserved word %q: %w", r.Value, err)
		}
	}
	return s.EnsureLength(ctx, s.minLength)
}
