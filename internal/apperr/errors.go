// Package apperr classifies service errors so HTTP handlers can map
// them to status codes without inspecting message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindValidation marks rejected input: malformed structures,
	// exceeded limits, or operations that make no sense for the data.
	KindValidation Kind = iota + 1
	// KindConflict marks contention: a held lock, a duplicate name, or
	// an authorization task already in flight.
	KindConflict
	// KindScope marks a request that falls outside the acting role's
	// authorization or subject scope.
	KindScope
	// KindRemote marks a failure reported by the authorization backend
	// or a resource provider.
	KindRemote
	// KindInvariant marks data that violates an internal invariant.
	// These always deserve a log with full context.
	KindInvariant
)

// Error carries a Kind alongside the underlying error.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

func newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Validationf returns a validation error. The format accepts %w.
func Validationf(format string, args ...interface{}) error {
	return newf(KindValidation, format, args...)
}

// Conflictf returns a conflict error.
func Conflictf(format string, args ...interface{}) error {
	return newf(KindConflict, format, args...)
}

// Scopef returns a scope denial error.
func Scopef(format string, args ...interface{}) error {
	return newf(KindScope, format, args...)
}

// Remotef returns a remote failure error.
func Remotef(format string, args ...interface{}) error {
	return newf(KindRemote, format, args...)
}

// Invariantf returns an invariant violation error.
func Invariantf(format string, args ...interface{}) error {
	return newf(KindInvariant, format, args...)
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsScope reports whether err is a scope denial.
func IsScope(err error) bool { return is(err, KindScope) }

// IsRemote reports whether err is a remote failure.
func IsRemote(err error) bool { return is(err, KindRemote) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return is(err, KindInvariant) }
