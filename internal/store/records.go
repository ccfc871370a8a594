package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an allocation record. Transitions only
// move forward: active -> deleted or active -> archived, never back.
type Status string

const (
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
	StatusArchived Status = "archived"
)

// OperationKind classifies operation-log entries.
type OperationKind string

const (
	OpAssign   OperationKind = "assign"
	OpDedupHit OperationKind = "dedup_hit"
	OpAccess   OperationKind = "access"
	OpUpdate   OperationKind = "update"
	OpDelete   OperationKind = "delete"
)

// AllocationRecord is the persisted fingerprint -> identifier binding plus
// the file facts the upload pipeline reported.
type AllocationRecord struct {
	ID               string
	Fingerprint      string
	Identifier       string // empty until assigned
	OriginalFilename string
	FileExtension    string
	FileSize         int64
	MediaType        string
	StorageKey       string
	PublicURL        string
	IdentifierLength int
	GenerationSalt   string
	AssignedAt       *time.Time
	Status           Status
	AccessCount      int64
	LastAccessedAt   *time.Time
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasIdentifier reports whether an identifier has been assigned.
func (r *AllocationRecord) HasIdentifier() bool { return r.Identifier != "" }

// NewRecord carries the fields for a fresh allocation commit.
type NewRecord struct {
	Fingerprint      string
	Identifier       string
	IdentifierLength int
	GenerationSalt   string
	OriginalFilename string
	FileExtension    string
	FileSize         int64
	MediaType        string
	Metadata         map[string]string
}

// OperationLogEntry is one append-only fact about a record.
type OperationLogEntry struct {
	ID        string
	RecordID  string
	Kind      OperationKind
	Details   map[string]any
	CreatedAt time.Time
}

const recordColumns = `id, fingerprint, identifier, original_filename, file_extension,
	file_size, media_type, storage_key, public_url, identifier_length,
	generation_salt, identifier_assigned_at, status, access_count,
	last_accessed_at, metadata, created_at, updated_at`

// CommitNew atomically inserts a fully-assigned allocation record and its
// "assign" operation-log entry. The insert's uniqueness constraints are the
// collision arbiter: a fingerprint conflict means another caller completed
// this fingerprint first (dedup), an identifier conflict means the candidate
// collided and the caller should retry with a fresh one. Both surface as
// ConflictError with the violated constraint.
func (s *Store) CommitNew(ctx context.Context, nr NewRecord) (*AllocationRecord, error) {
	metadata, err := marshalMetadata(nr.Metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	now := s.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO allocation_records (
				id, fingerprint, identifier, original_filename, file_extension,
				file_size, media_type, identifier_length, generation_salt,
				identifier_assigned_at, status, metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, nr.Fingerprint, nr.Identifier, nr.OriginalFilename, nr.FileExtension,
			nr.FileSize, nr.MediaType, nr.IdentifierLength, nr.GenerationSalt,
			now, StatusActive, metadata, now, now)
		if err != nil {
			return classifyConstraint(err, nr.Fingerprint, nr.Identifier)
		}
		return s.appendOperationTx(ctx, tx, id, OpAssign, map[string]any{
			"identifier": nr.Identifier,
			"length":     nr.IdentifierLength,
			"filename":   nr.OriginalFilename,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.LookupByFingerprint(ctx, nr.Fingerprint)
}

// CreateUnassigned inserts a record without an identifier, as produced by
// imports from stores that predate identifier assignment. The migration
// surface assigns identifiers to these retroactively.
func (s *Store) CreateUnassigned(ctx context.Context, nr NewRecord) (*AllocationRecord, error) {
	metadata, err := marshalMetadata(nr.Metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocation_records (
			id, fingerprint, original_filename, file_extension, file_size,
			media_type, status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nr.Fingerprint, nr.OriginalFilename, nr.FileExtension, nr.FileSize,
		nr.MediaType, StatusActive, metadata, now, now)
	if err != nil {
		return nil, classifyConstraint(err, nr.Fingerprint, "")
	}
	return s.LookupByFingerprint(ctx, nr.Fingerprint)
}

// AssignIdentifier binds an identifier to an existing record that lacks one.
// It is idempotent: a record that already has an identifier is returned
// unchanged with assigned=false. The identifier uniqueness constraint is
// still the arbiter, so concurrent migrations cannot double-assign.
func (s *Store) AssignIdentifier(ctx context.Context, fingerprint, identifier string, length int, salt string) (rec *AllocationRecord, assigned bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE allocation_records
			 SET identifier = ?, identifier_length = ?, generation_salt = ?,
			     identifier_assigned_at = ?, updated_at = ?
			 WHERE fingerprint = ? AND identifier IS NULL`,
			identifier, length, salt, now, now, fingerprint)
		if err != nil {
			return classifyConstraint(err, fingerprint, identifier)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either the record is gone or it already has an identifier.
			var existing sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT identifier FROM allocation_records WHERE fingerprint = ?`, fingerprint).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRecordNotFound
			}
			if err != nil {
				return err
			}
			return nil // already assigned, no-op
		}
		assigned = true
		var recordID string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM allocation_records WHERE fingerprint = ?`, fingerprint).Scan(&recordID); err != nil {
			return err
		}
		return s.appendOperationTx(ctx, tx, recordID, OpAssign, map[string]any{
			"identifier": identifier,
			"length":     length,
			"migration":  true,
		})
	})
	if err != nil {
		return nil, false, err
	}
	rec, err = s.LookupByFingerprint(ctx, fingerprint)
	return rec, assigned, err
}

// LookupByFingerprint returns the record for a content fingerprint,
// regardless of status. Pure read: never observes a half-written record
// because commits are transactional.
func (s *Store) LookupByFingerprint(ctx context.Context, fingerprint string) (*AllocationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM allocation_records WHERE fingerprint = ?`, fingerprint)
	return scanRecord(row)
}

// LookupByIdentifier returns the active record published under identifier.
func (s *Store) LookupByIdentifier(ctx context.Context, identifier string) (*AllocationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM allocation_records WHERE identifier = ? AND status = ?`,
		identifier, StatusActive)
	return scanRecord(row)
}

// IdentifierExists reports whether any record holds the identifier. This is
// an optimization for the allocator's pre-check; the insert constraint
// remains the source of truth.
func (s *Store) IdentifierExists(ctx context.Context, identifier string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM allocation_records WHERE identifier = ? LIMIT 1`, identifier).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identifier exists: %w", err)
	}
	return true, nil
}

// MarkAccessed bumps the access counter and timestamp and appends an
// "access" log entry, in one transaction independent of any allocation.
func (s *Store) MarkAccessed(ctx context.Context, fingerprint string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var recordID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM allocation_records WHERE fingerprint = ?`, fingerprint).Scan(&recordID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE allocation_records
			 SET access_count = access_count + 1, last_accessed_at = ?, updated_at = ?
			 WHERE id = ?`, now, now, recordID); err != nil {
			return fmt.Errorf("mark accessed: %w", err)
		}
		return s.appendOperationTx(ctx, tx, recordID, OpAccess, nil)
	})
}

// UpdateUploadMetadata records where the uploaded object landed. This is a
// second transaction after allocation; upload completion and allocation are
// deliberately not atomic with each other.
func (s *Store) UpdateUploadMetadata(ctx context.Context, fingerprint, storageKey, publicURL string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var recordID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM allocation_records WHERE fingerprint = ?`, fingerprint).Scan(&recordID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE allocation_records SET storage_key = ?, public_url = ?, updated_at = ? WHERE id = ?`,
			storageKey, publicURL, now, recordID); err != nil {
			return fmt.Errorf("update upload metadata: %w", err)
		}
		return s.appendOperationTx(ctx, tx, recordID, OpUpdate, map[string]any{
			"storage_key": storageKey,
		})
	})
}

// SetStatus transitions a record out of the active state. Only
// active -> deleted and active -> archived are legal.
func (s *Store) SetStatus(ctx context.Context, fingerprint string, status Status) error {
	if status != StatusDeleted && status != StatusArchived {
		return fmt.Errorf("illegal status transition to %q", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE allocation_records SET status = ?, updated_at = ?
			 WHERE fingerprint = ? AND status = ?`,
			status, now, fingerprint, StatusActive)
		if err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrRecordNotFound
		}
		var recordID string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM allocation_records WHERE fingerprint = ?`, fingerprint).Scan(&recordID); err != nil {
			return err
		}
		kind := OpUpdate
		if status == StatusDeleted {
			kind = OpDelete
		}
		return s.appendOperationTx(ctx, tx, recordID, kind, map[string]any{"status": string(status)})
	})
}

// MissingIdentifiers returns active records that have no identifier yet,
// oldest first, for the retroactive-assignment migration.
func (s *Store) MissingIdentifiers(ctx context.Context, limit int) ([]AllocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM allocation_records
		 WHERE identifier IS NULL AND status = ? ORDER BY created_at ASC LIMIT ?`,
		StatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("select missing identifiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AllocationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// AppendOperation appends a standalone operation-log entry, e.g. a dedup hit
// observed by the register outside any commit transaction.
func (s *Store) AppendOperation(ctx context.Context, recordID string, kind OperationKind, details map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendOperationTx(ctx, tx, recordID, kind, details)
	})
}

// OperationsByRecord returns a record's log entries, oldest first.
func (s *Store) OperationsByRecord(ctx context.Context, recordID string) ([]OperationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, kind, details, created_at FROM operation_log
		 WHERE record_id = ? ORDER BY created_at ASC, id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("select operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OperationLogEntry
	for rows.Next() {
		var e OperationLogEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Kind, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode operation details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return entries, nil
}

// CountOperations returns the number of log entries of a given kind for a
// record, used by statistics and tests.
func (s *Store) CountOperations(ctx context.Context, recordID string, kind OperationKind) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operation_log WHERE record_id = ? AND kind = ?`, recordID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

func (s *Store) appendOperationTx(ctx context.Context, tx *sql.Tx, recordID string, kind OperationKind, details map[string]any) error {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode operation details: %w", err)
		}
		detailsJSON = string(data)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operation_log (id, record_id, kind, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), recordID, kind, detailsJSON, s.now()); err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*AllocationRecord, error) {
	var (
		rec        AllocationRecord
		identifier sql.NullString
		length     sql.NullInt64
		salt       sql.NullString
		assignedAt sql.NullTime
		accessedAt sql.NullTime
		metadata   sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &identifier, &rec.OriginalFilename,
		&rec.FileExtension, &rec.FileSize, &rec.MediaType, &rec.StorageKey,
		&rec.PublicURL, &length, &salt, &assignedAt, &rec.Status,
		&rec.AccessCount, &accessedAt, &metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Identifier = identifier.String
	rec.IdentifierLength = int(length.Int64)
	rec.GenerationSalt = salt.String
	if assignedAt.Valid {
		t := assignedAt.Time
		rec.AssignedAt = &t
	}
	if accessedAt.Valid {
		t := accessedAt.Time
		rec.LastAccessedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &rec, nil
}
