// Package server implements the mintkey HTTP API: allocation, record
// lookup, statistics, reserved-word administration, and public identifier
// redirects.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintkey/mintkey/internal/alloc"
	"github.com/mintkey/mintkey/internal/config"
	"github.com/mintkey/mintkey/internal/metrics"
	"github.com/mintkey/mintkey/internal/reserved"
	"github.com/mintkey/mintkey/internal/store"
	"github.com/mintkey/mintkey/pkg/proto"
)

// Server serves the mintkey API over HTTP.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	allocator *alloc.Allocator
	filter    *reserved.Filter
	mux       *http.ServeMux
}

// NewServer creates the API server over the given components.
func NewServer(cfg *config.Config, st *store.Store, allocator *alloc.Allocator, filter *reserved.Filter) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     st,
		allocator: allocator,
		filter:    filter,
		mux:       http.NewServeMux(),
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/v1/allocate", s.withAuth(s.handleAllocate))
	s.mux.HandleFunc("/api/v1/records/", s.withAuth(s.handleRecord))
	s.mux.HandleFunc("/api/v1/stats", s.withAuth(s.handleStats))
	s.mux.HandleFunc("/api/v1/reserved", s.withAuth(s.handleReserved))
	s.mux.HandleFunc("/api/v1/reserved/reload", s.withAuth(s.handleReservedReload))
	s.mux.HandleFunc("/", s.handleRedirect)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(lw, r)
	log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", lw.status).
		Dur("duration", time.Since(start)).
		Msg("request")
}

type loggingWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		if parts[1] != s.cfg.Server.AuthToken {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Fingerprint == "" {
		s.jsonError(w, "fingerprint is required", http.StatusBadRequest)
		return
	}

	rec, outcome, err := s.allocator.Allocate(r.Context(), alloc.Request{
		Fingerprint:      req.Fingerprint,
		OriginalFilename: req.OriginalFilename,
		FileExtension:    req.FileExtension,
		FileSize:         req.FileSize,
		MediaType:        req.MediaType,
		Metadata:         req.Metadata,
	})
	if errors.Is(err, store.ErrKeyspaceExhausted) {
		s.jsonError(w, "keyspace exhausted", http.StatusInsufficientStorage)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("fingerprint", req.Fingerprint).Msg("allocation failed")
		s.jsonError(w, "allocation failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, proto.AllocateResponse{
		Record:  recordToProto(rec),
		Outcome: string(outcome),
	})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fingerprint := strings.TrimPrefix(r.URL.Path, "/api/v1/records/")
	if fingerprint == "" {
		s.jsonError(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	rec, err := s.store.LookupByFingerprint(r.Context(), fingerprint)
	if errors.Is(err, store.ErrRecordNotFound) {
		s.jsonError(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	ops, err := s.store.OperationsByRecord(r.Context(), rec.ID)
	if err != nil {
		s.jsonError(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	resp := proto.RecordResponse{Record: recordToProto(rec)}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, proto.OperationEntry{
			Kind:      string(op.Kind),
			Details:   op.Details,
			CreatedAt: op.CreatedAt,
		})
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.CollectStats(r.Context())
	if err != nil {
		s.jsonError(w, "stats failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, statsToProto(stats))
}

func (s *Server) handleReserved(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListReserved(r.Context())
		if err != nil {
			s.jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		resp := proto.ReservedListResponse{Reserved: make([]proto.ReservedEntry, 0, len(list))}
		for _, entry := range list {
			resp.Reserved = append(resp.Reserved, proto.ReservedEntry{
				Value:     entry.Value,
				Reason:    entry.Reason,
				CreatedAt: entry.CreatedAt,
			})
		}
		s.writeJSON(w, resp)

	case http.MethodPost:
		var req proto.AddReservedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		err := s.store.AddReserved(r.Context(), req.Value, req.Reason)
		if errors.Is(err, store.ErrReservedExists) {
			s.jsonError(w, "already reserved", http.StatusConflict)
			return
		}
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.filter.Reload(r.Context()); err != nil {
			log.Warn().Err(err).Msg("filter reload after add failed")
		}
		w.WriteHeader(http.StatusCreated)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReservedReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.filter.Reload(r.Context()); err != nil {
		s.jsonError(w, "reload failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"reserved": s.filter.Size()})
}

// handleRedirect serves public identifier URLs: GET /{identifier} sends the
// client to the stored object and counts the access.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identifier := strings.Trim(r.URL.Path, "/")
	if identifier == "" || strings.Contains(identifier, "/") || !validIdentifier(identifier) {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	rec, err := s.store.LookupByIdentifier(r.Context(), identifier)
	if errors.Is(err, store.ErrRecordNotFound) {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	target := rec.PublicURL
	if target == "" && s.cfg.Server.PublicBaseURL != "" && rec.StorageKey != "" {
		target = strings.TrimSuffix(s.cfg.Server.PublicBaseURL, "/") + "/" + rec.StorageKey
	}
	if target == "" {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	if err := s.store.MarkAccessed(r.Context(), rec.Fingerprint); err != nil {
		// The redirect still serves; access counting is best effort.
		log.Warn().Err(err).Str("identifier", identifier).Msg("access count update failed")
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// validIdentifier checks the path segment against the identifier alphabet
// before touching the database.
func validIdentifier(identifier string) bool {
	if len(identifier) > 64 {
		return false
	}
	for _, r := range identifier {
		if !strings.ContainsRune(alloc.Charset, r) {
			return false
		}
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
