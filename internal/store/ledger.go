package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// LedgerEntry is one keyspace accounting row: how much of the identifier
// space at a given length has been consumed.
type LedgerEntry struct {
	Length    int
	Consumed  int64
	Capacity  int64
	Exhausted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageRatio returns consumed/capacity in [0,1].
func (e LedgerEntry) UsageRatio() float64 {
	if e.Capacity <= 0 {
		return 1
	}
	return float64(e.Consumed) / float64(e.Capacity)
}

// EnsureLength creates the ledger row for length if it does not exist.
// Racing creators are harmless: the insert is a no-op for the loser.
func (s *Store) EnsureLength(ctx context.Context, length int) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO keyspace_ledger (length, consumed, capacity, exhausted, created_at, updated_at)
		 VALUES (?, 0, ?, 0, ?, ?)`,
		length, lengthCapacity(length), now, now); err != nil {
		return fmt.Errorf("ensure length %d: %w", length, err)
	}
	return nil
}

// ReserveSlot consumes one unit of allocation budget at the given length and
// returns the pre-increment counter value. If the increment reaches capacity
// the length is marked exhausted in the same statement. Reserving against an
// already-exhausted length fails with ErrLengthExhausted.
func (s *Store) ReserveSlot(ctx context.Context, length int) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE keyspace_ledger
			 SET consumed = consumed + 1,
			     exhausted = CASE WHEN consumed + 1 >= capacity THEN 1 ELSE exhausted END,
			     updated_at = ?
			 WHERE length = ? AND exhausted = 0`,
			s.now(), length)
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		if n == 0 {
			var exhausted bool
			err := tx.QueryRowContext(ctx,
				`SELECT exhausted FROM keyspace_ledger WHERE length = ?`, length).Scan(&exhausted)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("length %d: %w", length, ErrLengthNotFound)
			}
			if err != nil {
				return fmt.Errorf("reserve slot: %w", err)
			}
			return fmt.Errorf("length %d: %w", length, ErrLengthExhausted)
		}
		return tx.QueryRowContext(ctx,
			`SELECT consumed FROM keyspace_ledger WHERE length = ?`, length).Scan(&seq)
	})
	if err != nil {
		return 0, err
	}
	return seq - 1, nil
}

// MarkExhausted flags a length as exhausted. The flag is monotone: once set
// it is never cleared.
func (s *Store) MarkExhausted(ctx context.Context, length int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE keyspace_ledger SET exhausted = 1, updated_at = ? WHERE length = ?`,
		s.now(), length); err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	return nil
}

// CurrentLength returns the smallest usable length: the first non-exhausted
// length whose usage ratio is below escalateAt. Lengths at or above the
// threshold are marked exhausted on the way past. If every length is
// exhausted the next one (previous max + 1, floored at the configured
// minimum) is created idempotently; once maxLength itself is exhausted the
// keyspace is spent and ErrKeyspaceExhausted is returned.
func (s *Store) CurrentLength(ctx context.Context, maxLength int, escalateAt float64) (int, error) {
	var current int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT length, consumed, capacity FROM keyspace_ledger WHERE exhausted = 0 ORDER BY length ASC`)
		if err != nil {
			return fmt.Errorf("select ledger: %w", err)
		}
		var entries []LedgerEntry
		for rows.Next() {
			var e LedgerEntry
			if err := rows.Scan(&e.Length, &e.Consumed, &e.Capacity); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan ledger: %w", err)
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate ledger: %w", err)
		}
		_ = rows.Close()

		for _, e := range entries {
			if e.UsageRatio() < escalateAt {
				current = e.Length
				return nil
			}
			// Near-full length: retire it and move on.
			log.Warn().Int("length", e.Length).Float64("usage", e.UsageRatio()).
				Msg("keyspace length near capacity, marking exhausted")
			if _, err := tx.ExecContext(ctx,
				`UPDATE keyspace_ledger SET exhausted = 1, updated_at = ? WHERE length = ?`,
				s.now(), e.Length); err != nil {
				return fmt.Errorf("mark exhausted: %w", err)
			}
		}

		var maxExisting sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(length) FROM keyspace_ledger`).Scan(&maxExisting); err != nil {
			return fmt.Errorf("select max length: %w", err)
		}
		next := s.minLength
		if maxExisting.Valid {
			if int(maxExisting.Int64) >= maxLength {
				return ErrKeyspaceExhausted
			}
			if n := int(maxExisting.Int64) + 1; n > next {
				next = n
			}
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO keyspace_ledger (length, consumed, capacity, exhausted, created_at, updated_at)
			 VALUES (?, 0, ?, 0, ?, ?)`,
			next, lengthCapacity(next), now, now); err != nil {
			return fmt.Errorf("create length %d: %w", next, err)
		}
		log.Info().Int("length", next).Msg("created keyspace ledger entry")
		current = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return current, nil
}

// LedgerEntries returns all ledger rows ordered by length, for statistics
// and the admin surface.
func (s *Store) LedgerEntries(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT length, consumed, capacity, exhausted, created_at, updated_at
		 FROM keyspace_ledger ORDER BY length ASC`)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Length, &e.Consumed, &e.Capacity, &e.Exhausted, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}
