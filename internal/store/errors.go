package store

import (
	"errors"
	"fmt"
	"strings"
)

// Store error types.
var (
	ErrRecordNotFound       = errors.New("record not found")
	ErrLengthNotFound       = errors.New("keyspace length not found")
	ErrLengthExhausted      = errors.New("keyspace length exhausted")
	ErrKeyspaceExhausted    = errors.New("keyspace exhausted at maximum configured length")
	ErrReservedExists       = errors.New("reserved identifier already exists")
	ErrSchemaVersionNewer   = errors.New("store schema version is newer than this build supports")
	ErrIdentifierUnassigned = errors.New("record has no identifier assigned")
)

// Constraint names an enforced uniqueness constraint on allocation records.
type Constraint string

const (
	ConstraintFingerprint Constraint = "fingerprint"
	ConstraintIdentifier  Constraint = "identifier"
)

// ConflictError reports a uniqueness-constraint violation on insert or
// assignment. The allocator branches on Constraint: a fingerprint conflict is
// a dedup hit, an identifier conflict is a collision to retry.
type ConflictError struct {
	Constraint Constraint
	Value      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint violated on %s: %q", e.Constraint, e.Value)
}

// IsConflict reports whether err is a ConflictError on the given constraint.
func IsConflict(err error, c Constraint) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Constraint == c
}

// classifyConstraint maps a driver-level constraint violation to a
// ConflictError. SQLite reports the violated column in the error text
// ("UNIQUE constraint failed: allocation_records.identifier"); any
// constraint violation we did not expect is surfaced unchanged so it is
// never silently swallowed.
func classifyConstraint(err error, fingerprint, identifier string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "constraint failed") && !strings.Contains(msg, "constraint violation") {
		return err
	}
	switch {
	case strings.Contains(msg, "allocation_records.fingerprint"):
		return &ConflictError{Constraint: ConstraintFingerprint, Value: fingerprint}
	case strings.Contains(msg, "allocation_records.identifier"):
		return &ConflictError{Constraint: ConstraintIdentifier, Value: identifier}
	}
	return fmt.Errorf("unexpected integrity violation: %w", err)
}
