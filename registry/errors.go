package registry

import (
	"errors"
	"fmt"
)

// Kind classifies registry failures with stable string identifiers. Kinds are
// part of the public contract: callers branch on them and they appear verbatim
// in logs and serialized error payloads.
type Kind string

const (
	// KindNotFound reports a lookup of an unknown entity or version.
	KindNotFound Kind = "not_found"
	// KindVersionExists reports an attempt to save over an existing,
	// unpublished version without asking for it explicitly.
	KindVersionExists Kind = "version_exists"
	// KindImmutableVersion reports a write or delete aimed at a published
	// version.
	KindImmutableVersion Kind = "immutable_version"
	// KindBackendUnavailable reports a storage backend failure.
	KindBackendUnavailable Kind = "backend_unavailable"
)

// Error is the structured failure type returned by the registry. Every error
// carries a Kind, a human-readable message and optional details. Errors
// support errors.Is (matching on Kind) and errors.As, and wrap causes so
// backend failures stay reachable.
type Error struct {
	// Kind is the stable failure classification.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Details holds structured failure context (ids, versions).
	Details map[string]any

	cause error
}

// NewError constructs an Error with the given kind and formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error that wraps cause. The cause remains reachable
// through errors.Unwrap.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns e with the given key-value detail attached. The
// receiver is returned to allow chaining at construction sites.
func (e *Error) WithDetails(kvs ...any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(kvs)/2)
	}
	for i := 0; i+1 < len(kvs); i += 2 {
		if k, ok := kvs[i].(string); ok {
			e.Details[k] = kvs[i+1]
		}
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches target errors of type *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e != nil && te.Kind == e.Kind
}

// KindOf extracts the Kind from err, unwrapping as needed. It returns the
// empty Kind when err carries no registry classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
