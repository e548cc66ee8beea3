package domain

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Only ErrNotFound and ErrPersistence cross the
// public Evaluate boundary; ErrInsufficientWindow is an internal skip signal
// that is logged, never surfaced.
var (
	// ErrNotFound means the observation references a patient or active
	// enrollment that cannot be resolved. Fatal for that evaluation; not
	// retried automatically.
	ErrNotFound = errors.New("not found")

	// ErrPersistence means a store read or write failed or timed out.
	// Transient; the caller should retry the whole Evaluate call, which is
	// idempotent on the open-alert dedup key.
	ErrPersistence = errors.New("persistence error")

	// ErrInsufficientWindow means a windowed rule lacked the prior
	// observations its window requires. The rule is skipped, not failed.
	ErrInsufficientWindow = errors.New("insufficient window history")
)

// ValidationError reports a structurally invalid entity reaching the engine.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
