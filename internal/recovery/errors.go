// Package recovery turns raw collection failures into retry, dead-letter, or
// escalation decisions and watches for abnormal failure concentration across
// operations.
package recovery

import (
	"fmt"
	"time"
)

// Class buckets a failure for the retry decision. Validation and auth
// failures are never retried; transient and persistence failures are retried
// up to the job's attempt budget.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassRateLimit   Class = "rate_limit"
	ClassCircuitOpen Class = "circuit_open"
	ClassValidation  Class = "validation"
	ClassAuth        Class = "auth"
	ClassPersistence Class = "persistence"
	ClassUnknown     Class = "unknown"
)

// Retriable reports whether failures of this class may be retried at all.
func (c Class) Retriable() bool {
	return c != ClassValidation && c != ClassAuth
}

// TransientError marks a failure expected to clear on its own, typically a
// network fault or provider timeout.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError signals the provider rejected the call for pacing reasons;
// the caller must wait before trying again.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

// ValidationError marks a payload or response shape problem that no amount of
// retrying will fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// AuthError marks rejected credentials for an external provider.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure whose effects were rolled back
// atomically; the operation is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
