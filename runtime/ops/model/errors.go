package model

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the shared error taxonomy. Components wrap these
// with context via fmt.Errorf("...: %w", err); callers classify with
// errors.Is. The HTTP surface maps them onto status codes and the executor
// maps them onto failure codes.
var (
	// ErrInvalidInput indicates a malformed or out-of-range argument.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState indicates an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBudgetExceeded indicates an operation would breach a budget bound.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrDenied indicates admission control or policy refused the operation.
	ErrDenied = errors.New("denied")
	// ErrUpstreamUnavailable indicates an outbound dependency is down or its
	// circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrRateLimited indicates an upstream rejected the call for pacing.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout indicates a deadline elapsed before completion.
	ErrTimeout = errors.New("timeout")
	// ErrInternal indicates an unexpected failure that must never be
	// silently swallowed.
	ErrInternal = errors.New("internal error")
)

// InvalidStatef wraps ErrInvalidState with a formatted description.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// InvalidInputf wraps ErrInvalidInput with a formatted description.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// FailureCodeFor classifies an error into the handler failure taxonomy.
func FailureCodeFor(err error) FailureCode {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return FailUpstreamUnavailable
	case errors.Is(err, ErrRateLimited):
		return FailRateLimited
	case errors.Is(err, ErrInvalidInput):
		return FailInvalidInput
	case errors.Is(err, ErrDenied), errors.Is(err, ErrBudgetExceeded):
		return FailPolicyDenied
	case errors.Is(err, ErrTimeout):
		return FailTimeout
	default:
		return FailInternal
	}
}
