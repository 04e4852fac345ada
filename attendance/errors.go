/*
errors.go - Centralized error types for the attendance engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Service packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Storage errors - Transient persistence failures (StorageUnavailable)
  2. Lookup outcomes - Unregistered cards (UserNotFound)
  3. Batch errors - Partial failures with per-item counts
  4. Cache errors - Internal only, always trigger recomputation
  5. Input errors - Unparseable timestamps, oversized filters

USAGE:
  if errors.Is(err, attendance.ErrStorageUnavailable) {
      // Tell the kiosk to try again
  }

SEE ALSO:
  - ledger.go: Wraps store errors in StorageError
  - checkout/reconciler.go: Returns PartialBatchFailure
*/
package attendance

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorageUnavailable is returned when the underlying store cannot be
	// reached or rejects a read/write. Callers decide whether to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUserNotFound is returned when no user holds a card.
	// This is a normal outcome routed to card registration.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateEvent is returned when an event ID is already in the log.
	// Expected on retries and re-runs.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrConcurrentModification is returned when a guarded batch sees that a
	// user's partition changed between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrFilterTooLarge is returned when a partition query asks for more
	// user IDs than MaxInFilter.
	ErrFilterTooLarge = errors.New("user filter exceeds query limit")

	// ErrCacheInconsistent marks a cache entry that no longer matches its
	// source. Never surfaced to end users.
	ErrCacheInconsistent = errors.New("cache inconsistent with source")

	// ErrUnparseableTimestamp is returned by ParseTimestamp for inputs outside
	// the accepted representations.
	ErrUnparseableTimestamp = errors.New("unparseable timestamp")

	// ErrInvalidEvent is returned for events with missing fields or unknown types.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrLinkRequestNotFound is returned when a link token is unknown.
	ErrLinkRequestNotFound = errors.New("link request not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StorageError records which store operation failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is lets errors.Is(err, ErrStorageUnavailable) match every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func (e *StorageError) Unwrap() error { return e.Err }

// Unavailable wraps a raw store error as a StorageError.
// Domain sentinels (duplicates, conflicts, filter limits) pass through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrFilterTooLarge) ||
		errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// TimestampError describes a value ParseTimestamp rejected.
type TimestampError struct {
	Value  any
	Reason string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("unparseable timestamp %v (%T): %s", e.Value, e.Value, e.Reason)
}

func (e *TimestampError) Unwrap() error { return ErrUnparseableTimestamp }

// PartialBatchFailure reports a batch operation where some items failed.
// The counts are always complete; Errors holds one entry per failed chunk
// or record.
type PartialBatchFailure struct {
	Op       string
	Success  int
	Skipped  int
	NoAction int
	Failed   int
	Errors   []error
}

func (e *PartialBatchFailure) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: partial failure (success=%d, skipped=%d, no_action=%d, failed=%d): %s",
		e.Op, e.Success, e.Skipped, e.NoAction, e.Failed, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *PartialBatchFailure) Unwrap() []error { return e.Errors }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnparseableTimestamp) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrFilterTooLarge) ||
		errors.Is(err, ErrDuplicateEvent)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrLinkRequestNotFound)
}
