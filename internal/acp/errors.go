package acp

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing the SDK boundary.
type Kind string

const (
	KindConfig     Kind = "config"
	KindBuild      Kind = "build"
	KindTransport  Kind = "transport"
	KindPayment    Kind = "payment"
	KindEvaluation Kind = "evaluation"
)

// Error is the single error shape used across the SDK boundary. Message is
// what ends up in the audit trail.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError builds an Error without an underlying cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches kind and message to err. A nil err yields nil.
func WrapError(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, &acp.Error{Kind: acp.KindPayment}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// MessageOf extracts the human-readable message of any error. Nil yields "".
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
