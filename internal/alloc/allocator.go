// Package alloc implements the short-identifier allocator: a bounded-retry
// state machine that draws cryptographically random candidates from the
// keyspace ledger's current length, filters reserved words, and commits
// through the store's uniqueness constraints. The constraints are the only
// collision arbiter; the ledger is a consumption heuristic that drives
// escalation to longer lengths.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintkey/mintkey/internal/metrics"
	"github.com/mintkey/mintkey/internal/reserved"
	"github.com/mintkey/mintkey/internal/store"
)

// Config bounds the allocator's retry and escalation behavior.
type Config struct {
	// MaxLength is the largest identifier length before allocation fails
	// fatally with KeyspaceExhausted.
	MaxLength int
	// EscalateAt is the ledger usage ratio at which a length is retired
	// even before its hard capacity is reached.
	EscalateAt float64
	// MaxAttempts is the candidate-generation budget per length.
	MaxAttempts int
	// MaxCommitRetries is how many identifier-constraint collisions are
	// retried at one length before escalating.
	MaxCommitRetries int
	// MaxEscalations is the hard ceiling on length escalations within one
	// allocation call. Prevents unbounded looping if every length is
	// pathologically exhausted at once.
	MaxEscalations int
	// TransientRetries and RetryBackoff bound recovery from transient
	// storage errors (backoff doubles per retry).
	TransientRetries int
	RetryBackoff     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLength:        12,
		EscalateAt:       0.85,
		MaxAttempts:      100,
		MaxCommitRetries: 3,
		MaxEscalations:   5,
		TransientRetries: 3,
		RetryBackoff:     50 * time.Millisecond,
	}
}

// Outcome reports how an allocation request was satisfied.
type Outcome string

const (
	// OutcomeAssigned means a new identifier was minted and committed.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeDedupHit means the fingerprint already had a record.
	OutcomeDedupHit Outcome = "dedup_hit"
)

// Request is what the upload pipeline presents for allocation.
type Request struct {
	Fingerprint      string
	OriginalFilename string
	FileExtension    string
	FileSize         int64
	MediaType        string
	Metadata         map[string]string
}

// Allocator mints short identifiers. It holds no persistent state of its
// own and caches nothing across calls; the store is the single source of
// truth and sole synchronization point.
type Allocator struct {
	store   *store.Store
	filter  *reserved.Filter
	cfg     Config
	metrics *Metrics

	// candidate is swappable in tests to force specific draws.
	candidate func(length int) (string, error)
}

// New returns an Allocator over the given store and reserved-word filter.
func New(st *store.Store, filter *reserved.Filter, cfg Config) *Allocator {
	if cfg.MaxLength <= 0 {
		cfg = DefaultConfig()
	}
	return &Allocator{
		store:     st,
		filter:    filter,
		cfg:       cfg,
		metrics:   InitMetrics(metrics.Registry),
		candidate: Candidate,
	}
}

// Allocate returns the record bound to the request's fingerprint, minting a
// new identifier if the fingerprint has never been seen. Concurrent calls
// for the same fingerprint converge on one record: exactly one caller
// commits, the rest observe a dedup hit.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*store.AllocationRecord, Outcome, error) {
	if req.Fingerprint == "" {
		return nil, "", fmt.Errorf("fingerprint is required")
	}
	start := time.Now()

	// Register check: a known fingerprint does no allocation work.
	rec, err := a.store.LookupByFingerprint(ctx, req.Fingerprint)
	if err == nil {
		if err := a.recordDedupHit(ctx, rec); err != nil {
			return nil, "", err
		}
		a.metrics.AllocationsTotal.WithLabelValues(string(OutcomeDedupHit)).Inc()
		return rec, OutcomeDedupHit, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, "", err
	}

	rec, err = a.mint(ctx, func(candidate string, length int, salt string) (*store.AllocationRecord, error) {
		return a.store.CommitNew(ctx, store.NewRecord{
			Fingerprint:      req.Fingerprint,
			Identifier:       candidate,
			IdentifierLength: length,
			GenerationSalt:   salt,
			OriginalFilename: req.OriginalFilename,
			FileExtension:    req.FileExtension,
			FileSize:         req.FileSize,
			MediaType:        req.MediaType,
			Metadata:         req.Metadata,
		})
	})
	if store.IsConflict(err, store.ConstraintFingerprint) {
		// Another allocator completed this fingerprint first. Not an
		// error: return the winner's record as a dedup hit.
		rec, lookupErr := a.store.LookupByFingerprint(ctx, req.Fingerprint)
		if lookupErr != nil {
			return nil, "", lookupErr
		}
		if err := a.recordDedupHit(ctx, rec); err != nil {
			return nil, "", err
		}
		a.metrics.AllocationsTotal.WithLabelValues(string(OutcomeDedupHit)).Inc()
		return rec, OutcomeDedupHit, nil
	}
	if err != nil {
		a.metrics.AllocationsTotal.WithLabelValues("failed").Inc()
		return nil, "", err
	}

	a.metrics.AllocationsTotal.WithLabelValues(string(OutcomeAssigned)).Inc()
	a.metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Str("identifier", rec.Identifier).
		Int("length", rec.IdentifierLength).
		Str("fingerprint", shortFingerprint(req.Fingerprint)).
		Msg("identifier assigned")
	return rec, OutcomeAssigned, nil
}

// EnsureIdentifier assigns an identifier to an existing record that lacks
// one, reusing the same minting state machine. Records that already have an
// identifier are returned unchanged; re-running the migration is a no-op.
func (a *Allocator) EnsureIdentifier(ctx context.Context, fingerprint string) (*store.AllocationRecord, bool, error) {
	rec, err := a.store.LookupByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if rec.HasIdentifier() {
		return rec, false, nil
	}

	assigned := false
	rec, err = a.mint(ctx, func(candidate string, length int, salt string) (*store.AllocationRecord, error) {
		r, ok, err := a.store.AssignIdentifier(ctx, fingerprint, candidate, length, salt)
		if err != nil {
			return nil, err
		}
		assigned = ok
		return r, nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, assigned, nil
}

// mint runs the per-allocation state machine: pick a length, generate and
// filter candidates, account a ledger slot per commit attempt, and let the
// store's constraint decide collisions. Escalates to longer lengths on
// repeated collisions or ledger exhaustion, up to the configured ceiling.
func (a *Allocator) mint(ctx context.Context, commit func(candidate string, length int, salt string) (*store.AllocationRecord, error)) (*store.AllocationRecord, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	slots := 0

	for escalation := 0; escalation <= a.cfg.MaxEscalations; escalation++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var length int
		err := a.retryTransient(ctx, "current length", func() error {
			var err error
			length, err = a.store.CurrentLength(ctx, a.cfg.MaxLength, a.cfg.EscalateAt)
			return err
		})
		if err != nil {
			return nil, err
		}
		a.metrics.CurrentLength.Set(float64(length))

		rec, escalate, err := a.mintAtLength(ctx, length, salt, &slots, commit)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			a.metrics.AttemptsPerAlloc.Observe(float64(slots))
			return rec, nil
		}
		if !escalate {
			continue
		}

		// This length's budget is spent: retire it so no caller draws
		// from it again, then loop to pick (or create) the next one.
		a.metrics.EscalationsTotal.Inc()
		log.Warn().Int("length", length).Msg("identifier length budget spent, escalating")
		err = a.retryTransient(ctx, "mark exhausted", func() error {
			return a.store.MarkExhausted(ctx, length)
		})
		if err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("escalation ceiling reached after %d lengths: %w",
		a.cfg.MaxEscalations+1, store.ErrKeyspaceExhausted)
}

// mintAtLength attempts up to MaxAttempts candidates at one length.
// Returns (record, _, nil) on success, (nil, true, nil) when the caller
// should escalate, or a terminal error.
func (a *Allocator) mintAtLength(ctx context.Context, length int, salt string, slots *int, commit func(string, int, string) (*store.AllocationRecord, error)) (*store.AllocationRecord, bool, error) {
	commitRetries := 0
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		candidate, err := a.candidate(length)
		if err != nil {
			return nil, false, err
		}

		// Reserved candidates are regenerated at no ledger cost.
		if a.filter != nil && a.filter.IsReserved(candidate) {
			a.metrics.ReservedRejections.Inc()
			log.Debug().Str("candidate", candidate).Msg("candidate is reserved, regenerating")
			continue
		}

		// One ledger slot per commit attempt: bounds total retries and
		// drives exhaustion detection without scanning the keyspace.
		err = a.retryTransient(ctx, "reserve slot", func() error {
			_, err := a.store.ReserveSlot(ctx, length)
			return err
		})
		if errors.Is(err, store.ErrLengthExhausted) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		*slots++

		// Cheap existence pre-check; the insert constraint remains the
		// source of truth because a racer can land between check and
		// commit.
		exists, err := a.store.IdentifierExists(ctx, candidate)
		if err != nil {
			return nil, false, err
		}
		if exists {
			a.metrics.CollisionsTotal.Inc()
			continue
		}

		var rec *store.AllocationRecord
		err = a.retryTransient(ctx, "commit", func() error {
			var err error
			rec, err = commit(candidate, length, salt)
			return err
		})
		if err == nil {
			return rec, false, nil
		}
		if store.IsConflict(err, store.ConstraintIdentifier) {
			a.metrics.CollisionsTotal.Inc()
			commitRetries++
			log.Debug().Str("candidate", candidate).Int("retries", commitRetries).
				Msg("identifier collision on commit")
			if commitRetries >= a.cfg.MaxCommitRetries {
				return nil, true, nil
			}
			continue
		}
		// Fingerprint conflicts and unexpected integrity violations
		// terminate the mint; the caller decides what they mean.
		return nil, false, err
	}
	return nil, true, nil
}

// retryTransient retries fn on transient storage errors with doubling
// backoff, up to the configured budget. Sentinel and conflict errors pass
// through untouched.
func (a *Allocator) retryTransient(ctx context.Context, op string, fn func() error) error {
	backoff := a.cfg.RetryBackoff
	var err error
	for i := 0; i <= a.cfg.TransientRetries; i++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		log.Warn().Err(err).Str("op", op).Dur("backoff", backoff).Msg("transient storage error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: retry budget exhausted: %w", op, err)
}

// isTransient reports whether err is worth retrying. Expected sentinels and
// constraint conflicts carry meaning and must reach the state machine.
func isTransient(err error) bool {
	var ce *store.ConflictError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, store.ErrKeyspaceExhausted),
		errors.Is(err, store.ErrLengthExhausted),
		errors.Is(err, store.ErrLengthNotFound),
		errors.Is(err, store.ErrRecordNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (a *Allocator) recordDedupHit(ctx context.Context, rec *store.AllocationRecord) error {
	return a.store.AppendOperation(ctx, rec.ID, store.OpDedupHit, map[string]any{
		"identifier": rec.Identifier,
	})
}

// shortFingerprint truncates a fingerprint for log readability.
func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
