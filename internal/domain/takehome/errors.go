package takehome

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced to callers. Match with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrHoldBlocked  = errors.New("blocked by compliance hold")
	ErrExternalSync = errors.New("external sync error")
	ErrForbidden    = errors.New("forbidden")

	// ErrConflict reports a lost optimistic concurrency race. Services retry on it.
	ErrConflict = errors.New("concurrent modification")
)

// ValidationError describes a malformed input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a ValidationError for field
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// HoldBlockedError is returned when an open hold gates the action
type HoldBlockedError struct {
	PatientID string
	HoldIDs   []string
}

func (e *HoldBlockedError) Error() string {
	return fmt.Sprintf("patient %s has open compliance hold(s): %s", e.PatientID, strings.Join(e.HoldIDs, ","))
}

func (e *HoldBlockedError) Is(target error) bool { return target == ErrHoldBlocked }

// ExternalSyncError is returned when the regulatory channel is unreachable or rejects a report
type ExternalSyncError struct {
	ReportID string
	Reason   string
	Rejected bool
	Err      error
}

func (e *ExternalSyncError) Error() string {
	verb := "unreachable"
	if e.Rejected {
		verb = "rejected"
	}
	msg := fmt.Sprintf("regulatory channel %s for report %s", verb, e.ReportID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ExternalSyncError) Is(target error) bool { return target == ErrExternalSync }

func (e *ExternalSyncError) Unwrap() error { return e.Err }

// NotFoundf wraps ErrNotFound with context
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidStatef wraps ErrInvalidState with context
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Forbiddenf wraps ErrForbidden with context
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState reports whether err is an invalid-state error
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// Retryable reports whether err is an expected, recoverable policy or sync outcome.
// Validation, not-found and invalid-state errors are never retried automatically.
func Retryable(err error) bool {
	return errors.Is(err, ErrHoldBlocked) || errors.Is(err, ErrExternalSync)
}

// Kind returns a stable name for the error kind, or "internal"
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrHoldBlocked):
		return "hold_blocked"
	case errors.Is(err, ErrExternalSync):
		return "external_sync_error"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}
