// Package reserved maintains the in-process cache of identifiers the
// allocator must never mint. The set is loaded once at startup and refreshed
// only by explicit administrative reload or the configured background
// interval; lookups are O(1) and lock-cheap.
package reserved

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintkey/mintkey/internal/store"
)

// Filter answers "is this candidate reserved?" from a cached set.
type Filter struct {
	store *store.Store

	mu       sync.RWMutex
	values   map[string]struct{}
	loadedAt time.Time
}

// NewFilter loads the reserved set and returns a ready filter.
func NewFilter(ctx context.Context, st *store.Store) (*Filter, error) {
	f := &Filter{store: st}
	if err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// IsReserved reports whether the candidate is denylisted.
func (f *Filter) IsReserved(candidate string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.values[candidate]
	return ok
}

// Size returns the number of cached reserved values.
func (f *Filter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.values)
}

// LoadedAt returns when the cache was last populated.
func (f *Filter) LoadedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loadedAt
}

// Reload replaces the cache from the store. Administrative operation; also
// driven periodically by StartRefresh.
func (f *Filter) Reload(ctx context.Context) error {
	reserved, err := f.store.ListReserved(ctx)
	if err != nil {
		return err
	}
	values := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		values[r.Value] = struct{}{}
	}
	f.mu.Lock()
	f.values = values
	f.loadedAt = time.Now()
	f.mu.Unlock()

	log.Debug().Int("count", len(values)).Msg("reserved identifier set loaded")
	return nil
}

// StartRefresh reloads the cache every interval until ctx is cancelled.
// Keeps the cache from going silently stale when another process adds
// reserved values. A failed refresh keeps the previous cache.
func (f *Filter) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Reload(ctx); err != nil {
					log.Warn().Err(err).Msg("reserved set refresh failed")
				}
			}
		}
	}()
}
