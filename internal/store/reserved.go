package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReservedIdentifier is a value the allocator must never mint.
type ReservedIdentifier struct {
	Value     string
	Reason    string
	CreatedAt time.Time
}

// ListReserved returns the full reserved set, ordered by value.
func (s *Store) ListReserved(ctx context.Context) ([]ReservedIdentifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, reason, created_at FROM reserved_identifiers ORDER BY value ASC`)
	if err != nil {
		return nil, fmt.Errorf("select reserved: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reserved []ReservedIdentifier
	for rows.Next() {
		var r ReservedIdentifier
		if err := rows.Scan(&r.Value, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reserved: %w", err)
		}
		reserved = append(reserved, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reserved: %w", err)
	}
	return reserved, nil
}

// AddReserved adds a value to the reserved set. Administrative operation,
// not on the allocation hot path; callers reload the in-process filter
// afterwards.
func (s *Store) AddReserved(ctx context.Context, value, reason string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("reserved value must not be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reserved_identifiers (value, reason, created_at) VALUES (?, ?, ?)`,
		value, reason, s.now())
	if err != nil {
		return fmt.Errorf("add reserved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%q: %w", value, ErrReservedExists)
	}
	return nil
}
