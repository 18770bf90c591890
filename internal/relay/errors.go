// Package relay manages streaming sessions: the registry, the per-session
// state machine around a transcoder subprocess, the fan-out ring buffer,
// and the recovery ladder that keeps long-running streams alive.
package relay

import (
	"errors"
	"fmt"
)

// ErrorKind classifies relay failures for the HTTP surface. Every error
// leaving this package carries one.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindCapacityExhausted   ErrorKind = "capacity_exhausted"
	KindSessionConflict     ErrorKind = "session_conflict"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindBadUpstream         ErrorKind = "bad_upstream"
	KindClientGone          ErrorKind = "client_gone"
	KindInternal            ErrorKind = "internal"
)

// Error is the relay error type.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a relay error.
func E(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef builds a relay error with a formatted detail.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying error.
func Wrap(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// DetailOf extracts the human detail from an error chain.
func DetailOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Detail
	}
	return err.Error()
}
