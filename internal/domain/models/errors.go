package models

import (
	"errors"
	"fmt"
)

var (
	// ErrVenueUnavailable is returned by the decision loop once the venue failure breaker trips.
	ErrVenueUnavailable = errors.New("venue unavailable")
	// ErrAmbiguousState marks a venue snapshot that cannot be reconciled yet.
	ErrAmbiguousState = errors.New("ambiguous position state")
)

// InsufficientDataError means a snapshot holds fewer bars than the analysis window needs.
type InsufficientDataError struct {
	Symbol string
	Have   int
	Need   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: have %d bars, need %d", e.Symbol, e.Have, e.Need)
}

// ModelInferenceError wraps scorer failures and malformed feature input.
type ModelInferenceError struct {
	Model string
	Err   error
}

func (e *ModelInferenceError) Error() string {
	return fmt.Sprintf("model %s inference: %v", e.Model, e.Err)
}

func (e *ModelInferenceError) Unwrap() error { return e.Err }

// ConnectionError is a transient venue failure. Callers may retry.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectedError is a definitive venue refusal. Callers must not retry.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) || errors.Is(err, ErrAmbiguousState)
}

// IsRejected reports whether err is a venue rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
