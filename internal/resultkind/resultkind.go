// Package resultkind classifies errors by how a caller should react to
// them, rather than letting callers branch on dynamic type assertions or
// sentinel string matching. Every error that crosses a package boundary in
// this module is wrapped in a Kind before it leaves internal/store,
// internal/provider, internal/ingest, internal/processors, internal/
// entitlement, internal/cache, internal/reconcile, internal/adminops, or
// internal/tenancy, so internal/httpapi can map it to an HTTP status with a
// single switch.
package resultkind

import (
	"errors"
	"fmt"
)

// Kind is the reason a caller should handle an error the way it does.
type Kind int

const (
	// Unknown is never produced deliberately; its presence in a Kind()
	// result means something returned a bare error instead of wrapping it.
	Unknown Kind = iota
	// Permanent means retrying the same input will never succeed
	// (malformed payload, missing event metadata, programmer error).
	Permanent
	// Transient means the same input might succeed on retry (a dependency
	// timed out, a connection was refused, a deadlock was rolled back).
	Transient
	// Validation means caller-supplied input failed a business rule
	// (negative amount, unknown product, overlapping grant window).
	Validation
	// Auth means the caller's credential was missing, malformed, or did
	// not match.
	Auth
	// NotFound means the caller named a resource that does not exist.
	NotFound
	// Conflict means the request collided with a concurrent state change
	// (idempotency key reused, unique constraint, stale version).
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an underlying cause. It implements Unwrap so
// errors.Is/errors.As still see through it to the wrapped error.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns err's classification, or Unknown if err is nil or was never
// wrapped by this package.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.kind
	}
	return Unknown
}

// New builds a classified error from a message, with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{kind: kind, message: message}
}

// Wrap classifies cause under kind, preserving it for errors.Is/As and
// %w-style formatting via Unwrap. Wrap(Unknown-kind, nil, ...) is never
// valid — callers pick a concrete Kind at the point they learn the cause.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{kind: kind, message: message, cause: cause}
}

// Wrapf is Wrap with fmt.Sprintf-style message formatting.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// Is reports whether err was classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
