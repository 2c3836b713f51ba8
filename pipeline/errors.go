/*
errors.go - Error taxonomy for the pipeline

PURPOSE:
  All error types in one place. Callers branch with errors.Is / errors.As and
  boundaries translate to a machine-readable Kind with KindOf.

ERROR CATEGORIES:
  1. Lookup errors    - unknown conversion, offer, or attribution key
  2. State errors     - conversion already processed, brand mismatch
  3. Input errors     - ValidationError, unsupported payout type
  4. Policy errors    - unauthorized, rate limited (raised by collaborators)
  5. Store errors     - StorageError wrapping driver failures

RETRIES:
  Nothing in the pipeline retries internally. Every mutation is keyed by an
  idempotency key or guarded by a status compare-and-set, so callers can
  retry a StorageError safely.

SEE ALSO:
  - api/respond.go: Kind -> HTTP status mapping
*/
package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the root of every lookup failure.
	ErrNotFound = errors.New("not found")

	ErrConversionNotFound = fmt.Errorf("conversion %w", ErrNotFound)
	ErrOfferNotFound      = fmt.Errorf("offer %w", ErrNotFound)
	ErrJoinNotFound       = fmt.Errorf("join %w", ErrNotFound)
	ErrBrandNotFound      = fmt.Errorf("brand %w", ErrNotFound)
	ErrPartnerNotFound    = fmt.Errorf("partner %w", ErrNotFound)

	// ErrInvalidAttributionKey is returned when a key is unknown or its join
	// has been revoked.
	ErrInvalidAttributionKey = fmt.Errorf("invalid attribution key: %w", ErrNotFound)

	// ErrConflict is the root of state conflicts.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyProcessed is returned when a conversion is no longer pending.
	ErrAlreadyProcessed = fmt.Errorf("already processed: %w", ErrConflict)

	// ErrBrandMismatch is returned when a webhook's brand does not own the
	// offer behind the attribution key.
	ErrBrandMismatch = errors.New("brand mismatch")

	// ErrUnauthorized and ErrRateLimited are raised by collaborators before
	// the pipeline runs; they live here so every boundary shares one mapping.
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")

	// ErrValidation is the root of malformed-input errors.
	ErrValidation = errors.New("validation error")

	// ErrUnsupportedPayoutType is returned when settling an offer whose payout
	// amount cannot be computed from the data the pipeline holds (percent
	// payouts need a transaction value that is not modelled).
	ErrUnsupportedPayoutType = errors.New("unsupported payout type")

	// ErrStorage is the root of store failures.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Storage wraps err as a StorageError for op. Nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// KINDS - Machine-readable classification for boundaries
// =============================================================================

// Kind is the machine-readable classification of an error.
type Kind string

const (
	KindNone                  Kind = ""
	KindNotFound              Kind = "not_found"
	KindInvalidAttributionKey Kind = "invalid_attribution_key"
	KindConflict              Kind = "already_processed"
	KindBrandMismatch         Kind = "brand_mismatch"
	KindUnauthorized          Kind = "unauthorized"
	KindRateLimited           Kind = "rate_limited"
	KindValidation            Kind = "validation_error"
	KindUnsupportedPayoutType Kind = "unsupported_payout_type"
	KindStorage               Kind = "storage_failure"
	KindInternal              Kind = "internal_error"
)

// KindOf classifies err. Order matters: more specific sentinels wrap more
// general ones.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidAttributionKey):
		return KindInvalidAttributionKey
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrBrandMismatch):
		return KindBrandMismatch
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUnsupportedPayoutType):
		return KindUnsupportedPayoutType
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindInternal, KindNone:
		return false
	}
	return true
}
