package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels for the engine's error taxonomy. Match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrImmutabilityViolation  = errors.New("audit record immutability violation")
	ErrAttemptInFlight        = errors.New("rotation attempt already in flight")
	ErrDuplicateVaultPath     = errors.New("duplicate vault path")
	ErrRetryExhausted         = errors.New("rotation retries exhausted")
	ErrVault                  = errors.New("vault error")
	ErrValidation             = errors.New("validation error")
)

// ValidationError rejects bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Field != "" {
		msg += " for " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound returns a NotFoundError for kind/id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a write against a stale version.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version %d is stale", e.Entity, e.ID, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// VaultError wraps a failure from the vault collaborator. Any VaultError
// fails the current rotation attempt and is subject to the retry policy.
type VaultError struct {
	Backend string
	Op      string
	Path    string
	Err     error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("vault %s %s %s: %v", e.Backend, e.Op, e.Path, e.Err)
}

func (e *VaultError) Unwrap() []error { return []error{ErrVault, e.Err} }

// Timeout reports whether the underlying failure was a deadline.
func (e *VaultError) Timeout() bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	if errors.As(e.Err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// RetryExhaustedError is terminal: the credential waits for manual rotation.
type RetryExhaustedError struct {
	CredentialID string
	AttemptID    string
	Retries      int
	Err          error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("credential %s: rotation failed after %d retries (attempt %s): %v",
		e.CredentialID, e.Retries, e.AttemptID, e.Err)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Err} }

// ImmutabilityError is raised when something tries to rewrite a persisted
// audit record. Callers must treat it as fatal.
type ImmutabilityError struct {
	RecordID string
	Op       string
}

func (e *ImmutabilityError) Error() string {
	return fmt.Sprintf("audit record %s: %s refused, records are immutable", e.RecordID, e.Op)
}

func (e *ImmutabilityError) Unwrap() error { return ErrImmutabilityViolation }
