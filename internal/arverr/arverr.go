// Package arverr defines the stable failure taxonomy used across the
// engine. Internal code never returns a bare error when the caller (the
// HTTP adapter, the CLI) needs to choose a status code or exit code; it
// returns one of these tagged errors instead, wrapped with context via
// fmt.Errorf("...: %w", err) as it propagates.
package arverr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification, matching the taxonomy of §7 of the
// specification this engine implements.
type Kind string

const (
	// KindValidation marks a malformed request or invalid action for a
	// role (e.g. false_positive from the raiser).
	KindValidation Kind = "validation"

	// KindAuth marks a missing or mismatched access token.
	KindAuth Kind = "auth"

	// KindState marks an operation that is not valid in the session's
	// current phase.
	KindState Kind = "state"

	// KindNotFound marks a reference to an unknown session, issue, agent,
	// or preset.
	KindNotFound Kind = "not_found"

	// KindConflict marks a gate, not a failure — e.g. finish with
	// unresolved issues.
	KindConflict Kind = "conflict"

	// KindRepo marks a repository-layer failure: path outside root, no
	// such ref or path.
	KindRepo Kind = "repo"

	// KindSubprocess marks a reviewer launch failure or deadline. These
	// are recorded on the Agent, not surfaced as an API failure.
	KindSubprocess Kind = "subprocess"

	// KindStorage marks a disk I/O failure on write.
	KindStorage Kind = "storage"
)

// Error is a tagged error carrying a stable Kind plus optional structured
// context (e.g. "phase", "reviewing" for a KindState error).
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	cause   error
}

// New creates a tagged Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a tagged Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause for
// errors.Is/As and %w formatting.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithContext attaches structured context to the error (e.g. the expected
// phase for a KindState error) and returns the same *Error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/As see through it.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to an empty Kind otherwise.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
