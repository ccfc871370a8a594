package batch

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/internal/alloc"
	"github.com/mintkey/mintkey/internal/reserved"
	"github.com/mintkey/mintkey/internal/store"
	"github.com/mintkey/mintkey/testutil"
)

// fakeObjectStore records uploads in memory.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader, _ string) error {
	if f.fail {
		return io.ErrClosedPipe
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) StorageKey(identifier, extension string) string {
	return "i/" + identifier + extension
}

func (f *fakeObjectStore) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func newTestPipeline(t *testing.T, objects ObjectStore) (*Pipeline, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "mintkey.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	filter, err := reserved.NewFilter(ctx, st)
	require.NoError(t, err)
	cfg := alloc.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	allocator := alloc.New(st, filter, cfg)
	return New(allocator, st, objects, 2, []string{".jpg", "png"}), st
}

func TestFingerprintFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "a.jpg", "hello")

	fp, size, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Len(t, fp, 128)
	assert.Equal(t, testutil.Fingerprint([]byte("hello")), fp)

	_, _, err = FingerprintFile(filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
}

func TestExpand_FiltersExtensions(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	a := testutil.TempFile(t, dir, "a.jpg", "a")
	b := testutil.TempFile(t, dir, "b.PNG", "b")
	testutil.TempFile(t, dir, "notes.txt", "skip")

	files, err := p.Expand([]string{dir})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, files)

	_, err = p.Expand([]string{filepath.Join(dir, "missing")})
	require.Error(t, err)
}

func TestProcess_UploadsAndRecords(t *testing.T) {
	objects := newFakeObjectStore()
	p, st := newTestPipeline(t, objects)
	ctx := context.Background()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "sunset.jpg", "image-bytes")

	results, summary := p.Process(ctx, []string{path})
	require.Len(t, results, 1)
	res := results[0]
	require.NoError(t, res.Err)

	assert.Equal(t, alloc.OutcomeAssigned, res.Outcome)
	assert.NotEmpty(t, res.Identifier)
	assert.Equal(t, 1, summary.Assigned)
	assert.Equal(t, int64(11), summary.TotalBytes)

	key := "i/" + res.Identifier + ".jpg"
	assert.Equal(t, []byte("image-bytes"), objects.objects[key])
	assert.Equal(t, "https://cdn.example.com/"+key, res.PublicURL)

	rec, err := st.LookupByIdentifier(ctx, res.Identifier)
	require.NoError(t, err)
	assert.Equal(t, key, rec.StorageKey)
	assert.Equal(t, res.PublicURL, rec.PublicURL)
	assert.Equal(t, "image/jpeg", rec.MediaType)
	assert.Equal(t, "sunset.jpg", rec.OriginalFilename)
}

func TestProcess_DedupAcrossPaths(t *testing.T) {
	objects := newFakeObjectStore()
	p, _ := newTestPipeline(t, objects)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	a := testutil.TempFile(t, dir, "a.jpg", "same-bytes")
	b := testutil.TempFile(t, dir, "b.jpg", "same-bytes")

	results, summary := p.Process(context.Background(), []string{a, b})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	assert.Equal(t, results[0].Identifier, results[1].Identifier)
	assert.Equal(t, 1, summary.Assigned)
	assert.Equal(t, 1, summary.DedupHits)
	assert.Len(t, objects.objects, 1)
}

func TestProcess_IsolatesFailures(t *testing.T) {
	objects := newFakeObjectStore()
	p, _ := newTestPipeline(t, objects)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	good := testutil.TempFile(t, dir, "good.jpg", "fine")
	missing := filepath.Join(dir, "gone.jpg")

	results, summary := p.Process(context.Background(), []string{missing, good})
	require.Len(t, results, 2)

	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Assigned)
}

func TestProcess_UploadFailureReported(t *testing.T) {
	objects := newFakeObjectStore()
	objects.fail = true
	p, st := newTestPipeline(t, objects)
	ctx := context.Background()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "sunset.jpg", "image-bytes")

	results, summary := p.Process(ctx, []string{path})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, 1, summary.Failed)

	// The allocation itself still committed; a later run can retry the
	// upload without burning a new identifier.
	fp := testutil.Fingerprint([]byte("image-bytes"))
	rec, err := st.LookupByFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.True(t, rec.HasIdentifier())
	assert.Empty(t, rec.StorageKey)
}

func TestProcess_WithoutObjectStore(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "sunset.jpg", "image-bytes")

	results, summary := p.Process(context.Background(), []string{path})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, summary.Assigned)
	assert.Empty(t, results[0].PublicURL)
}

func TestProcess_CancelledContext(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	var paths []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		paths = append(paths, testutil.TempFile(t, dir, name, name))
	}

	results, summary := p.Process(ctx, paths)
	require.Len(t, results, 3)
	assert.Equal(t, 3, summary.Failed)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}
