// Package errdefs defines the failure taxonomy shared by every enforcement
// component. Each rejection or failure that crosses a public boundary is an
// *Error carrying a Kind, a human-readable reason safe to surface verbatim,
// and an optional wrapped cause.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an enforcement failure.
type Kind int

const (
	// KindPolicyViolation marks a disallowed command, flag, path, or
	// destination. Never retried.
	KindPolicyViolation Kind = iota + 1
	// KindValidation marks malformed input (bad tokens, bad names, bad
	// arguments). Never retried.
	KindValidation
	// KindTimeout marks an operation whose outcome is unknown because the
	// deadline fired first.
	KindTimeout
	// KindTransport marks a connection or protocol failure on a tool
	// server channel.
	KindTransport
	// KindUntrustedConfiguration marks a server whose configuration
	// fingerprint no longer matches its trust record.
	KindUntrustedConfiguration
	// KindResourceExceeded marks a cap being hit: output size, map
	// capacity, numeric flag bounds, or the single-turn slot.
	KindResourceExceeded
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindPolicyViolation:
		return "policy_violation"
	case KindValidation:
		return "validation_error"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport_error"
	case KindUntrustedConfiguration:
		return "untrusted_configuration"
	case KindResourceExceeded:
		return "resource_exceeded"
	default:
		return "unspecified"
	}
}

// Error is a structured enforcement failure.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

// New creates an Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an Error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that carries err as its cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.Reason + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports kind equality, so errors.Is(err, errdefs.New(kind, ""))
// matches any Error of that kind regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// KindOf extracts the Kind from err, or 0 when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
