package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/danderson/gvariant"
)

// Standard error names defined by the message bus specification.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// CallError is the error returned from failed DBus method calls.
//
// Handlers for exported methods may also return a *CallError to send
// a specific error name back to the caller.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// callErrorf returns a *CallError with a formatted detail string.
func callErrorf(name, format string, args ...any) *CallError {
	return &CallError{
		Name:   name,
		Detail: fmt.Sprintf(format, args...),
	}
}

// callFailure classifies err, the outcome of a method call, into one
// of the gvariant error kinds.
func callFailure(op string, err error) error {
	var (
		ce   *CallError
		gerr *gvariant.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &gerr):
		// Already classified, either by an earlier stage of the call
		// or as a local contract violation.
		return err
	case errors.As(err, &ce):
		return &gvariant.Error{
			Op:     op,
			Kind:   gvariant.ErrNativeFailure,
			Detail: ce.Detail,
			Err:    ce,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return gvariant.WrapError(op, gvariant.ErrTimeout, err)
	default:
		return gvariant.WrapError(op, gvariant.ErrNativeFailure, err)
	}
}
