// Package errs defines the error kinds surfaced by enrollment and dispatch.
//
// Benign enrollment outcomes (suppressed, inactive, already enrolled) are not
// errors and never pass through this package.
package errs

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindSequenceInactive Kind = "sequence_inactive"
	KindConfiguration    Kind = "configuration_error"
	KindTimeout          Kind = "timeout"
)

// Error carries a Kind plus an optional cause. Two *Error values match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Msg     string
	Err     error
	Details map[string]any
}

var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrNotFound         = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrSequenceInactive = &Error{Kind: KindSequenceInactive, Msg: "sequence is not active"}
	ErrConfiguration    = &Error{Kind: KindConfiguration, Msg: "configuration error"}
	ErrTimeout          = &Error{Kind: KindTimeout, Msg: "operation timed out"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, v any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, val := range e.Details {
		cp.Details[k] = val
	}
	cp.Details[key] = v
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may retry the operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// FromContext rewrites a deadline expiry into a retryable ErrTimeout naming op.
// Any other error is returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "%s timed out", op)
	}
	return err
}
