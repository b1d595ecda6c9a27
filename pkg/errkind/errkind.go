// Package errkind defines the error taxonomy shared across Crucible's
// components. Every component boundary translates infrastructure errors
// into one of these kinds before returning to its caller; the RPC layer
// maps kinds to JSON-RPC error codes mechanically instead of inspecting
// error strings.
//
// Reference: spec.md §7 Error Handling Design
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure, not a concrete type.
type Kind string

const (
	// Configuration marks invalid or inconsistent settings. Recovery:
	// fail fast at startup/construction; never partially construct.
	Configuration Kind = "configuration"

	// HashMismatch marks stored bytes that don't hash to the claimed key.
	HashMismatch Kind = "hash_mismatch"

	// InvalidHex marks a malformed hex-encoded hash.
	InvalidHex Kind = "invalid_hex"

	// InvalidPath marks a malformed or unsafe relative path.
	InvalidPath Kind = "invalid_path"

	// NotFound marks an absent entity, block, or session. Where an API
	// models absence as an Option/bool it is preferred over this kind;
	// this kind is for APIs that must return an error.
	NotFound Kind = "not_found"

	// Io marks a backend or socket I/O failure. Recovery: retry at
	// caller discretion.
	Io Kind = "io"

	// Timeout marks an operation that exceeded its deadline.
	Timeout Kind = "timeout"

	// HandlerFatal marks a reactor handler that declared its result fatal.
	HandlerFatal Kind = "handler_fatal"

	// ProviderFailed marks an embedding provider error with retries
	// exhausted. Recorded in failed_events; not retried within the batch.
	ProviderFailed Kind = "provider_failed"

	// Validation marks a request schema violation.
	Validation Kind = "validation"

	// Parse marks malformed wire bytes. The connection remains usable.
	Parse Kind = "parse"
)

// Error is the concrete error type carrying a Kind plus a human-readable
// message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause. If cause
// is already an *Error of the same kind, its message is reused unless
// message is non-empty.
func Wrap(kind Kind, message string, cause error) *Error {
	if inner, ok := cause.(*Error); ok && inner.Kind == kind && message == "" {
		message = inner.Message
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err does not
// wrap an *Error.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
