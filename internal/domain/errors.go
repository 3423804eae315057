package domain

import (
	"errors"
	"fmt"
)

// ErrServiceStopped is returned by every service method after Shutdown.
// The service fails closed: callers get a terminal error, never a silent
// no-op.
var ErrServiceStopped = errors.New("telemetry service is stopped")

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AuthError carries no detail beyond its existence. The message is fixed
// so responses never leak which part of a credential failed.
type AuthError struct{}

func (e *AuthError) Error() string { return "Unauthorized" }

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err for operation op. Returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// AnalyticsError wraps a failed derivation with an operation name and a
// stable machine-readable code, e.g. SESSION_SUMMARIES_ERROR.
type AnalyticsError struct {
	Op   string
	Code string
	Err  error
}

func (e *AnalyticsError) Error() string {
	return fmt.Sprintf("analytics %s [%s]: %v", e.Op, e.Code, e.Err)
}

func (e *AnalyticsError) Unwrap() error { return e.Err }
