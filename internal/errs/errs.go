// Package errs defines the error taxonomy shared by services, adapters,
// and the tool dispatcher. Every error that crosses a package boundary
// carries a Kind so callers can branch on classification instead of
// string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindRateLimited         Kind = "rate_limited"
	KindRetriable           Kind = "retriable"
	KindTerminal            Kind = "terminal"
	KindProviderExhausted   Kind = "provider_exhausted"
	KindVerificationFailed  Kind = "verification_failed"
	KindIOError             Kind = "io_error"
	KindStorageError        Kind = "storage_error"
	KindSerializationError  Kind = "serialization_error"
	KindConstraintViolation Kind = "constraint_violation"
)

// Error is a classified error with optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works for
// sentinel comparisons built with Kind-only errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Invalid reports a rejected input, naming the offending field.
func Invalid(field, reason string) *Error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf("%s: %s", field, reason)}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %q not found", entity, id)}
}

// KindOf extracts the Kind from err, mapping context errors to their
// taxonomy equivalents. Unclassified errors report KindTerminal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTerminal
}

// IsRetriable reports whether the error classification permits another
// attempt against the same target.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindRetriable, KindRateLimited, KindTimeout, KindIOError:
		return true
	}
	return false
}

// IsCancelled reports whether err is a cancellation in any wrapping.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled || errors.Is(err, context.Canceled)
}
