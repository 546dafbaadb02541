// Package apperrors defines the closed set of error kinds that cross
// component boundaries in the email pipeline, with a fixed propagation
// policy for each kind.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure a component produced. A Kind is
// a plain string, not an error: Wrap/Newf attach it to an error as *Error,
// and callers branch with Is or KindOf, which find that *Error through
// errors.As.
type Kind string

// The closed set of error kinds propagated between components.
const (
	KindTransientNetwork  Kind = "transient_network"
	KindRateLimited       Kind = "rate_limited"
	KindAuthExpired       Kind = "auth_expired"
	KindPermissionDenied  Kind = "permission_denied"
	KindMalformed         Kind = "malformed"
	KindParseError        Kind = "parse_error"
	KindTimeout           Kind = "timeout"
	KindConfigInvalid     Kind = "config_invalid"
	KindIntegrityConflict Kind = "integrity_conflict"
	KindFatal             Kind = "fatal"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap annotates err with a Kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// Newf builds a Kind error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFatal when err
// carries no Kind annotation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retryable reports whether a Kind is one the gateway retry policy should
// retry: transient network errors, rate limiting, and timeouts.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransientNetwork, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}
