package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/internal/alloc"
	"github.com/mintkey/mintkey/internal/config"
	"github.com/mintkey/mintkey/internal/reserved"
	"github.com/mintkey/mintkey/internal/store"
	"github.com/mintkey/mintkey/pkg/proto"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "mintkey.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	filter, err := reserved.NewFilter(ctx, st)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.AuthToken = "test-token"
	cfg.Server.PublicBaseURL = "https://cdn.example.com"

	allocCfg := alloc.DefaultConfig()
	allocCfg.RetryBackoff = time.Millisecond
	allocator := alloc.New(st, filter, allocCfg)

	return NewServer(cfg, st, allocator, filter), st
}

func doAllocate(t *testing.T, srv *Server, fingerprint string) proto.AllocateResponse {
	t.Helper()
	body, _ := json.Marshal(proto.AllocateRequest{
		Fingerprint:      fingerprint,
		OriginalFilename: "sunset.jpg",
		FileExtension:    ".jpg",
		FileSize:         204800,
		MediaType:        "image/jpeg",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp proto.AllocateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_Allocate_Success(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doAllocate(t, srv, "fp-1")
	assert.Equal(t, "assigned", resp.Outcome)
	assert.Len(t, resp.Record.Identifier, 4)
	assert.Equal(t, "active", resp.Record.Status)

	again := doAllocate(t, srv, "fp-1")
	assert.Equal(t, "dedup_hit", again.Outcome)
	assert.Equal(t, resp.Record.Identifier, again.Record.Identifier)
}

func TestServer_Allocate_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(proto.AllocateRequest{Fingerprint: "fp-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/allocate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_Allocate_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocate", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/allocate", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_Allocate_KeyspaceExhausted(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	// Exhaust every length up to the ceiling.
	for l := srv.cfg.Keyspace.MinLength; l <= srv.cfg.Keyspace.MaxLength; l++ {
		require.NoError(t, st.EnsureLength(ctx, l))
		require.NoError(t, st.MarkExhausted(ctx, l))
	}

	body, _ := json.Marshal(proto.AllocateRequest{Fingerprint: "fp-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
}

func TestServer_Record(t *testing.T) {
	srv, _ := newTestServer(t)

	allocated := doAllocate(t, srv, "fp-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records/fp-1", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp proto.RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, allocated.Record.Identifier, resp.Record.Identifier)
	require.NotEmpty(t, resp.Operations)
	assert.Equal(t, "assign", resp.Operations[0].Kind)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/records/no-such", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Stats(t *testing.T) {
	srv, _ := newTestServer(t)
	doAllocate(t, srv, "fp-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp proto.StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.TotalRecords)
	assert.Equal(t, int64(1), resp.WithIdentifier)
	assert.NotEmpty(t, resp.TotalSizeHuman)
	require.NotEmpty(t, resp.Ledger)
	assert.Equal(t, int64(1), resp.Ledger[0].Consumed)
}

func TestServer_Reserved_AddAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(proto.AddReservedRequest{Value: "blog", Reason: "editorial"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reserved", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	// Adding reloads the filter, so the allocator sees it immediately.
	assert.True(t, srv.filter.IsReserved("blog"))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reserved", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/reserved", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp proto.ReservedListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	values := make([]string, 0, len(resp.Reserved))
	for _, e := range resp.Reserved {
		values = append(values, e.Value)
	}
	assert.Contains(t, values, "blog")
	assert.Contains(t, values, "admin")
}

func TestServer_ReservedReload(t *testing.T) {
	srv, st := newTestServer(t)

	require.NoError(t, st.AddReserved(context.Background(), "blog", "editorial"))
	assert.False(t, srv.filter.IsReserved("blog"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reserved/reload", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.True(t, srv.filter.IsReserved("blog"))
}

func TestServer_Redirect(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	resp := doAllocate(t, srv, "fp-1")
	identifier := resp.Record.Identifier
	require.NoError(t, st.UpdateUploadMetadata(ctx, "fp-1",
		"i/"+identifier+".jpg", "https://cdn.example.com/i/"+identifier+".jpg"))

	req := httptest.NewRequest(http.MethodGet, "/"+identifier, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://cdn.example.com/i/"+identifier+".jpg", w.Header().Get("Location"))

	rec, err := st.LookupByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.AccessCount)
}

func TestServer_Redirect_FallsBackToBaseURL(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	resp := doAllocate(t, srv, "fp-1")
	identifier := resp.Record.Identifier
	// Storage key without a public URL, as older records have.
	_, err := st.DB().ExecContext(ctx,
		`UPDATE allocation_records SET storage_key = ? WHERE fingerprint = ?`,
		"i/"+identifier+".jpg", "fp-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/"+identifier, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://cdn.example.com/i/"+identifier+".jpg", w.Header().Get("Location"))
}

func TestServer_Redirect_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/zzZZ99", "/has.dot", "/nested/path", "/favicon.ico"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServer_Redirect_DeletedRecord(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	resp := doAllocate(t, srv, "fp-1")
	identifier := resp.Record.Identifier
	require.NoError(t, st.UpdateUploadMetadata(ctx, "fp-1", "i/x.jpg", "https://cdn.example.com/i/x.jpg"))
	require.NoError(t, st.SetStatus(ctx, "fp-1", store.StatusDeleted))

	req := httptest.NewRequest(http.MethodGet, "/"+identifier, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
