/*
errors.go - Centralized error types for the progression engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels below;
  structured errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation     - unknown metric/tier/game, malformed date range
  2. Not found      - missing goal, game record, patient id
  3. External       - a collaborator (database, broker) failed
  4. Precondition   - ladder length/order mismatch while diffing (fatal)
  5. Concurrency    - optimistic write lost a race (retryable)

NO-OPS ARE NOT ERRORS:
  Missing context, no open goal and no configured ladder are benign.
  Operations return empty results for them instead of an error.

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package progression

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or unknown input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a required record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExternalService is returned when a collaborator fails or returns malformed data.
	ErrExternalService = errors.New("external service failure")

	// ErrPrecondition is returned when an internal precondition is violated.
	// Callers must abort the operation.
	ErrPrecondition = errors.New("precondition violated")

	// ErrConcurrentModification is returned when an optimistic write detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotificationService names the notification sink in ExternalServiceError.
const NotificationService = "notification sink"

// ExternalServiceError wraps a collaborator failure.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// External wraps err as an ExternalServiceError. Errors that are already
// classified are returned unchanged.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPrecondition) || errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrExternalService) {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// NotificationFailed wraps sink failures that followed a committed write.
// Unlike External it always wraps, so callers can tell them apart from
// failures that aborted the write.
func NotificationFailed(op string, errs ...error) error {
	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: NotificationService, Op: op, Err: err}
}

// PreconditionError describes a violated internal precondition.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition violated: " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
