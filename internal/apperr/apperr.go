// Package apperr defines the error taxonomy shared by the fetch, analysis,
// job, token, and pricing layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

// Supported error kinds.
const (
	KindValidation          Kind = "ValidationError"
	KindSSRFBlocked         Kind = "SSRFBlocked"
	KindInvalidContentType  Kind = "InvalidContentType"
	KindSizeExceeded        Kind = "SizeExceeded"
	KindNetwork             Kind = "NetworkError"
	KindUnreadableDocument  Kind = "UnreadableDocument"
	KindInvalidDocument     Kind = "InvalidDocument"
	KindAnalysisFailed      Kind = "AnalysisFailed"
	KindJobNotFound         Kind = "JobNotFound"
	KindJobExpired          Kind = "JobExpired"
	KindTokenMismatch       Kind = "TokenMismatch"
	KindTokenExpired        Kind = "TokenExpired"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
)

// Error carries a Kind alongside a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so a bare sentinel such as
// apperr.New(apperr.KindJobNotFound, "") works with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Message returns the user-facing message of err, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}
