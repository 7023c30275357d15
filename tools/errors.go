package tools

import (
	"errors"
	"fmt"
)

// Kind classifies tool runtime failures with stable string identifiers.
type Kind string

const (
	// KindValidation reports arguments that do not satisfy the tool's
	// parameter constraints.
	KindValidation Kind = "tool_validation_error"
	// KindSecurity reports a caller that is not authorized for the tool.
	KindSecurity Kind = "tool_security_error"
	// KindPolicy reports a call blocked by a runtime policy.
	KindPolicy Kind = "tool_policy_error"
	// KindLimitExceeded reports a call rejected by the per-tool
	// concurrency or rate limiter.
	KindLimitExceeded Kind = "tool_limit_exceeded"
	// KindExecution reports a failure from the underlying executor.
	KindExecution Kind = "tool_execution_error"
	// KindTimeout reports an execution that exceeded the tool's budget.
	KindTimeout Kind = "tool_timeout"
	// KindCircuitOpen reports a call rejected because the tool's circuit
	// breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindIdempotencyConflict reports an idempotency key reused with
	// different arguments.
	KindIdempotencyConflict Kind = "idempotency_conflict"
)

// Error is the tool runtime failure type. Every error carries a kind for
// programmatic handling, a human-readable message and optional structured
// details.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message describes the failure.
	Message string
	// Details carries structured context such as the parameter name or the
	// HTTP status code.
	Details map[string]any

	cause error
}

// NewError creates an Error with the given kind and formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps a cause.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches key-value details and returns the error for chaining.
func (e *Error) WithDetails(kvs ...any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(kvs)/2)
	}
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		e.Details[key] = kvs[i+1]
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind, so errors.Is(err, &Error{Kind: KindTimeout})
// reports whether any error in the chain has that kind.
func (e *Error) Is(target error) bool {
	var terr *Error
	if !errors.As(target, &terr) {
		return false
	}
	return terr.Kind == "" || terr.Kind == e.Kind
}

// KindOf returns the kind of the first Error in the chain, or "".
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the kind.
func IsKind(err error, kind Kind) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind == kind
	}
	return false
}

// StatusCode returns the HTTP status recorded in the error details, or 0.
// HTTP executors stamp it so retry policies can match on status.
func StatusCode(err error) int {
	var terr *Error
	if !errors.As(err, &terr) {
		return 0
	}
	switch v := terr.Details["status_code"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
