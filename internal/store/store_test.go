package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mintkey.db"), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_SeedsReservedAndLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reserved, err := s.ListReserved(ctx)
	require.NoError(t, err)
	assert.Len(t, reserved, len(seedReservedWords))

	entries, err := s.LedgerEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultOptions().MinLength, entries[0].Length)
	assert.Equal(t, int64(0), entries[0].Consumed)
	assert.False(t, entries[0].Exhausted)
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintkey.db")
	ctx := context.Background()

	s, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	_, err = s.ReserveSlot(ctx, DefaultOptions().MinLength)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Seeding must not reset ledger state or duplicate reserved words.
	entries, err := s.LedgerEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Consumed)

	reserved, err := s.ListReserved(ctx)
	require.NoError(t, err)
	assert.Len(t, reserved, len(seedReservedWords))
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintkey.db")
	ctx := context.Background()

	s, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		schemaVersion+1, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, DefaultOptions())
	require.ErrorIs(t, err, ErrSchemaVersionNewer)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "mintkey.db")

	s, err := Open(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, path, s.Path())
}
