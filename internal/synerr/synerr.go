// Package synerr implements the error taxonomy of spec.md §7: NotFound,
// Conflict, Transient, Permanent, and Invariant. Low-level stores return
// these typed errors; the Command Executor (internal/executor) classifies
// them with errors.Is/errors.As and decides retry vs. surface, the same
// sentinel-plus-wrapper pattern the teacher uses for Graph API status
// classification (internal/graph/errors.go).
package synerr

import (
	"errors"
	"fmt"
)

// Sentinel errors — check with errors.Is(err, synerr.ErrNotFound) etc.
// Only ErrTransient changes how a failure is handled: the executor's
// withRetry retries it with backoff. Every other class fails just the
// current op — the executor archives it through opgraph.Graph.MarkFailed,
// which cancels that op's dependents as "CANCELLED: parent_failed"; the
// rest of its batch is not cancelled, and no class stops a subsystem.
var (
	// ErrNotFound is a cache miss or the backend reporting an item gone.
	ErrNotFound = errors.New("synerr: not found")

	// ErrConflict is a signature mismatch after copy, or a concurrent
	// modification detected via sync_ts.
	ErrConflict = errors.New("synerr: conflict")

	// ErrTransient is a network/IO timeout. Retried per max_retries with
	// backoff.
	ErrTransient = errors.New("synerr: transient")

	// ErrPermanent is permission denied, quota exceeded, or a malformed
	// cloud response.
	ErrPermanent = errors.New("synerr: permanent")

	// ErrInvariant is a UID collision, graph cycle, or negative size.
	ErrInvariant = errors.New("synerr: invariant violated")
)

// Class is the taxonomy tag attached to an Error for classification without
// a chain of errors.Is calls.
type Class int

// Error classes, mirroring the sentinel set above.
const (
	ClassNotFound Class = iota
	ClassConflict
	ClassTransient
	ClassPermanent
	ClassInvariant
)

func (c Class) sentinel() error {
	switch c {
	case ClassNotFound:
		return ErrNotFound
	case ClassConflict:
		return ErrConflict
	case ClassTransient:
		return ErrTransient
	case ClassPermanent:
		return ErrPermanent
	case ClassInvariant:
		return ErrInvariant
	default:
		return ErrPermanent
	}
}

// Error wraps a sentinel class with a short user-facing message and an
// optional detail string. Errors surfaced to the user carry the message and
// detail only — never a raw stack trace (spec.md §7).
type Error struct {
	Class   Class
	Message string
	Detail  string
	Err     error // wrapped sentinel, for errors.Is/As
}

// New constructs a classified Error.
func New(class Class, message string) *Error {
	return &Error{Class: class, Message: message, Err: class.sentinel()}
}

// Wrap constructs a classified Error around an underlying cause.
func Wrap(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Detail: causeDetail(cause), Err: errors.Join(class.sentinel(), cause)}
}

func causeDetail(cause error) string {
	if cause == nil {
		return ""
	}

	return cause.Error()
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error's class warrants a retry with
// backoff rather than immediate failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ClassOf extracts the Class from a classified error, defaulting to
// ClassPermanent for errors this package did not produce — an
// unclassified error is treated as non-retryable, the conservative choice.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrInvariant):
		return ClassInvariant
	default:
		return ClassPermanent
	}
}
