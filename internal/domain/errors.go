package domain

import (
	"errors"
	"fmt"
	"time"
)

// basic errors that can occur
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrConnectionClosed Error = "connection closed"
	ErrOutboundFull     Error = "outbound buffer full"
	ErrQueueFull        Error = "queue full"
	ErrNotParticipant   Error = "not a participant of this conversation"

	ErrRevocationUnavailable Error = "revocation store unavailable"
)

// AuthError means the credential was rejected. It is fatal to the connection
// attempt and never retried internally.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthorized: %s: %v", e.Reason, e.Err)
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is soft and retryable after RetryAt.
type RateLimitError struct {
	Action  string
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAt.UTC().Format(time.RFC3339))
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrorCode maps an error to the stable code sent to clients in error frames.
func ErrorCode(err error) string {
	var (
		authErr  *AuthError
		valErr   *ValidationError
		rateErr  *RateLimitError
		notFound *NotFoundError
	)
	switch {
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.Is(err, ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, ErrQueueFull):
		return "busy"
	case errors.Is(err, ErrRevocationUnavailable):
		return "unavailable"
	}
	return "internal"
}
