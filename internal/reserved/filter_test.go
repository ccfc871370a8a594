package reserved

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/internal/store"
)

func newTestFilter(t *testing.T) (*Filter, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "mintkey.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f, err := NewFilter(ctx, st)
	require.NoError(t, err)
	return f, st
}

func TestFilter_SeededWords(t *testing.T) {
	f, _ := newTestFilter(t)

	assert.True(t, f.IsReserved("admin"))
	assert.True(t, f.IsReserved("404"))
	assert.False(t, f.IsReserved("aB3x"))
	assert.False(t, f.IsReserved("Admin"), "matching is case sensitive, identifiers are too")
	assert.NotZero(t, f.LoadedAt())
	assert.Greater(t, f.Size(), 0)
}

func TestFilter_ReloadPicksUpAdditions(t *testing.T) {
	f, st := newTestFilter(t)
	ctx := context.Background()

	require.NoError(t, st.AddReserved(ctx, "blog", "editorial namespace"))
	assert.False(t, f.IsReserved("blog"), "cache is stale until reloaded")

	before := f.LoadedAt()
	require.NoError(t, f.Reload(ctx))
	assert.True(t, f.IsReserved("blog"))
	assert.True(t, f.LoadedAt().After(before) || f.LoadedAt().Equal(before))
}
