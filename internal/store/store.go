// Package store provides the SQLite-backed persistence layer: allocation
// records, the keyspace ledger, the reserved-identifier set, and the
// append-only operation log. The uniqueness constraints on fingerprint and
// identifier are the only load-bearing synchronization point; no identifier
// is ever cached as reserved in process memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Options configures a Store.
type Options struct {
	// PoolSize caps concurrent connections (the fixed-capacity pool).
	PoolSize int
	// BusyTimeout bounds how long a statement waits on a locked database
	// before failing with a transient error.
	BusyTimeout time.Duration
	// MinLength is the smallest identifier length the ledger starts at.
	MinLength int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		PoolSize:    10,
		BusyTimeout: 5 * time.Second,
		MinLength:   4,
	}
}

// Store is a handle to the persistent state. It is safe for concurrent use;
// all synchronization happens in the database, never in process memory.
type Store struct {
	db        *sql.DB
	path      string
	minLength int
	now       func() time.Time
}

// Open opens (creating if needed) the SQLite database at path, applies the
// schema, and seeds the reserved-word set and initial ledger row.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultOptions().PoolSize
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultOptions().MinLength
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)

	s := &Store{
		db:        db,
		path:      path,
		minLength: opts.MinLength,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	log.Debug().Str("path", path).Int("pool_size", opts.PoolSize).Msg("store opened")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
