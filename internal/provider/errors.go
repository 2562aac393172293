package provider

import (
	"context"
	"errors"
	"fmt"

	"generation-orchestrator/internal/models"
)

// Error carries the failure classification of a provider call.
type Error struct {
	Kind models.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected wraps err as a permanent failure; identical parameters will fail again.
func Rejected(err error) error {
	return &Error{Kind: models.ErrKindProviderRejected, Err: err}
}

// Unavailable wraps err as a transient failure.
func Unavailable(err error) error {
	return &Error{Kind: models.ErrKindProviderUnavailable, Err: err}
}

// Timeout wraps err as a transient timeout.
func Timeout(err error) error {
	return &Error{Kind: models.ErrKindProviderTimeout, Err: err}
}

// KindOf classifies err. Unclassified errors count as ProviderUnavailable,
// deadline errors as ProviderTimeout.
func KindOf(err error) models.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindProviderTimeout
	}
	return models.ErrKindProviderUnavailable
}

// IsTransient reports whether retrying the same call may succeed.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
