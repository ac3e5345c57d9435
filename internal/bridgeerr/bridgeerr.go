// Package bridgeerr defines the error-kind taxonomy shared across the
// bridge (spec §7). Kinds are sentinel tags attached to wrapped errors,
// not a parallel type hierarchy — callers keep using fmt.Errorf("...: %w")
// and errors.Is/As, but can additionally branch on Kind for user-facing
// behavior (graceful tool-error vs. fatal).
package bridgeerr

import "fmt"

// Kind classifies why an operation failed, per spec.md §7.
type Kind string

const (
	BackendUnavailable Kind = "BackendUnavailable"
	Timeout            Kind = "Timeout"
	MemoryExhausted    Kind = "MemoryExhausted"
	SandboxCrash       Kind = "SandboxCrash"
	ToolNotFound       Kind = "ToolNotFound"
	UpstreamError      Kind = "UpstreamError"
	ProtocolError      Kind = "ProtocolError"
	InvalidCursor      Kind = "InvalidCursor"
	ConfigParse        Kind = "ConfigParse"
	ConfigValidation   Kind = "ConfigValidation"
)

// Error wraps an underlying error with a Kind so callers can branch on
// failure category without parsing message text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind. A nil err still produces a non-nil
// *Error carrying only the Kind (useful for sentinel-style comparisons).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			if be.Kind == kind {
				return true
			}
			err = be.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
