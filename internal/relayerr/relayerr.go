// Package relayerr defines the shared error taxonomy used across the
// orchestration engine (see spec §7). Each kind knows whether it is
// retryable and whether it should be shown to the end user verbatim.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec §7.
type Kind string

const (
	KindPolicyDenied           Kind = "policy_denied"
	KindTransient              Kind = "transient"
	KindStaleSession           Kind = "stale_session"
	KindTimeout                Kind = "timeout"
	KindValidation             Kind = "validation"
	KindArtifactTimeout        Kind = "artifact_timeout"
	KindSupervisorValidation   Kind = "supervisor_validation"
	KindTransport              Kind = "transport"
)

// Error is a typed, wrapped error carrying a taxonomy Kind plus optional
// structured details (e.g. the action type that was denied).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the agent runner's retry ladder (spec
// §4.F.5) should attempt this error again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindStaleSession:
		return true
	default:
		return false
	}
}

// UserFacing reports whether the message should be surfaced to chat
// verbatim rather than summarized.
func (e *Error) UserFacing() bool {
	switch e.Kind {
	case KindPolicyDenied, KindValidation:
		return true
	default:
		return false
	}
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap constructs an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDetail attaches a key/value pair to the error and returns it for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Is reports whether target is an *Error with the same Kind, satisfying
// errors.Is(err, relayerr.New(KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, if err is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
