package gvariant

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this module's value and bus
// operations wraps exactly one of these, and can be tested with
// errors.Is.
var (
	// ErrParse reports a malformed type signature.
	ErrParse = errors.New("malformed type signature")
	// ErrTypeMismatch reports an operation applied to a value or
	// type of the wrong kind.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrIndexOutOfRange reports child access beyond a container's
	// length.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrEncoding reports data that cannot be represented in, or
	// decoded from, the wire encoding.
	ErrEncoding = errors.New("encoding error")
	// ErrIncompleteTuple reports a tuple builder finished before all
	// of its members were appended.
	ErrIncompleteTuple = errors.New("incomplete tuple")
	// ErrUseAfterFinish reports use of a Builder after Finish or
	// Discard.
	ErrUseAfterFinish = errors.New("builder used after finish")
	// ErrNativeFailure reports a failure on the far side of the
	// value boundary, such as a failed bus call.
	ErrNativeFailure = errors.New("native failure")
	// ErrTimeout reports a bus call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// Error is the concrete error type returned by this module.
type Error struct {
	// Op is the operation that failed, for example "AsInt32" or
	// "Call".
	Op string
	// Kind is one of the Err* sentinel values.
	Kind error
	// Detail is a human-readable explanation of the failure.
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf returns an *Error of the given kind.
func Errorf(op string, kind error, format string, args ...any) error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

// WrapError returns an *Error of the given kind, with err as the
// underlying cause.
func WrapError(op string, kind error, err error) error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// Retryable reports whether err is worth retrying.
//
// Only native failures and timeouts originate outside the caller's
// control. All other kinds indicate a contract violation by the
// caller, and retrying will fail the same way.
func Retryable(err error) bool {
	return errors.Is(err, ErrNativeFailure) || errors.Is(err, ErrTimeout)
}

func mismatch(op string, got Signature, want string) error {
	return Errorf(op, ErrTypeMismatch, "value has type %q, want %s", got, want)
}
