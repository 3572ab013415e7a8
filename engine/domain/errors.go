package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers distinguish categories with errors.Is: NotFound is
// "no data", StoreUnavailable is "system down", InvalidInput is rejected
// before any store mutation.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidRelType    = fmt.Errorf("relationship type outside whitelist: %w", ErrInvalidInput)
	ErrIndexInconsistent = errors.New("vector index state inconsistent")
)

// ValidationError wraps ErrInvalidInput with the offending field and value.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s (value=%q)", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string) *ValidationError {
	return &ValidationError{Field: field, Value: value}
}

// EdgeError reports a failed edge creation between two nodes.
type EdgeError struct {
	Source string
	Target string
	Reason error
}

func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s: %s", e.Source, e.Target, e.Reason)
}

func (e *EdgeError) Unwrap() error { return e.Reason }

// NewEdgeError creates an EdgeError wrapping the underlying cause.
func NewEdgeError(source, target string, reason error) *EdgeError {
	return &EdgeError{Source: source, Target: target, Reason: reason}
}
