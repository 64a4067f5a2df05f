/*
errors.go - Centralized error types for the allotment engine

ERROR CATEGORIES:
  1. Validation - negative capacity, malformed date, unknown partition.
     Rejected synchronously, nothing written.
  2. Concurrency - a conditional update lost a race. Retried with backoff,
     then surfaced as a transient failure.
  3. Data integrity - zone mismatches found by the migration tool. Reported,
     never fatal.
  4. Batch items - one staged request or division failed; the batch goes on.
  5. Fatal - the store is unreachable. Propagated to the caller.

USAGE:
  if errors.Is(err, scheduling.ErrUnknownPartition) { ... }
  if scheduling.IsRetryable(err) { ... }
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	ErrUnknownPartition = errors.New("unknown partition")
	ErrNegativeCapacity = errors.New("capacity must not be negative")
	ErrInvalidDate      = errors.New("invalid date")
	ErrUnknownLeaveType = errors.New("unknown leave type")

	// ErrNotStageable is returned by Stage for dates inside the lead-time window.
	ErrNotStageable = errors.New("request date is inside the lead-time window")

	// ErrDuplicateRequest is returned when the requester already holds an
	// active request for the same date and leave type.
	ErrDuplicateRequest = errors.New("duplicate active request")

	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrForbidden = errors.New("actor lacks capability")

	ErrRequestNotFound  = errors.New("request not found")
	ErrStagedNotFound   = errors.New("staged request not found")
	ErrDivisionNotFound = errors.New("division not found")
	ErrMemberNotFound   = errors.New("member not found")

	// ErrConcurrentModification is returned when a conditional update lost
	// a race with another writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTransient marks failures that may succeed when retried later.
	ErrTransient = errors.New("transient failure")

	// ErrStoreUnavailable marks backing store failures. Fatal to batches.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // specific sentinel, optional
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap exposes both ErrValidation and the specific sentinel.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// ConflictError is returned when evaluation kept losing races.
type ConflictError struct {
	Key      SlotKey
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("evaluation of %s conflicted after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// DataIntegrityWarning is collected into reports, never returned as fatal.
type DataIntegrityWarning struct {
	PIN      PIN        `json:"pin"`
	Division DivisionID `json:"division"`
	Zone     ZoneID     `json:"zone,omitempty"`
	Reason   string     `json:"reason"`
}

func (w DataIntegrityWarning) Error() string {
	return fmt.Sprintf("pin %d (%s/%s): %s", w.PIN, w.Division, w.Zone, w.Reason)
}

// StoreError wraps a backing-store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotStageable) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrStagedNotFound) ||
		errors.Is(err, ErrDivisionNotFound) ||
		errors.Is(err, ErrMemberNotFound)
}

// IsFatal returns true for errors that must abort a batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled)
}
