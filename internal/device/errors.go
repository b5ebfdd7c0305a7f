package device

import (
	"errors"
	"fmt"
)

// Cause identifies the specific kind of context failure
type Cause string

const (
	CauseContextNotOpen      Cause = "CONTEXT_NOT_OPEN"
	CauseContextInternal     Cause = "CONTEXT_INTERNAL_ERROR"
	CauseContextInvalidState Cause = "CONTEXT_INVALID_STATE"
	CauseDeviceNotConnected  Cause = "DEVICE_NOT_CONNECTED"
	CauseDeviceNotFound      Cause = "DEVICE_NOT_FOUND"
	CauseDeviceUnknown       Cause = "DEVICE_UNKNOWN"
	CauseActionAlreadyDone   Cause = "ACTION_ALREADY_DONE"
	CauseAuthFailed          Cause = "AUTHENTICATION_FAILED"
	CauseParameterError      Cause = "PARAMETER_ERROR"
)

// Known reports whether c belongs to the closed set of context causes
func (c Cause) Known() bool {
	switch c {
	case CauseContextNotOpen, CauseContextInternal, CauseContextInvalidState,
		CauseDeviceNotConnected, CauseDeviceNotFound, CauseDeviceUnknown,
		CauseActionAlreadyDone, CauseAuthFailed, CauseParameterError:
		return true
	}
	return false
}

// ContextError is the single error type returned by context operations
type ContextError struct {
	Cause Cause
	Msg   string
	Err   error // underlying error, if any
}

// Error implements the error interface
func (e *ContextError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Cause)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.Cause, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying error to errors.Is/As
func (e *ContextError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ContextError values by Cause
func (e *ContextError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ContextError)
	if !ok {
		return false
	}
	return e.Cause == t.Cause
}

// NewError builds a ContextError with a formatted message
func NewError(cause Cause, format string, args ...any) *ContextError {
	return &ContextError{Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a ContextError around an underlying error
func WrapError(cause Cause, err error, format string, args ...any) *ContextError {
	return &ContextError{Cause: cause, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Predefined sentinel errors, one per cause
var (
	ErrContextNotOpen      = &ContextError{Cause: CauseContextNotOpen}
	ErrContextInternal     = &ContextError{Cause: CauseContextInternal}
	ErrContextInvalidState = &ContextError{Cause: CauseContextInvalidState}
	ErrDeviceNotConnected  = &ContextError{Cause: CauseDeviceNotConnected}
	ErrDeviceNotFound      = &ContextError{Cause: CauseDeviceNotFound}
	ErrDeviceUnknown       = &ContextError{Cause: CauseDeviceUnknown}
	ErrActionAlreadyDone   = &ContextError{Cause: CauseActionAlreadyDone}
	ErrAuthFailed          = &ContextError{Cause: CauseAuthFailed}
	ErrParameter           = &ContextError{Cause: CauseParameterError}
)

// ErrTimeout reports a blocking wait that ended without the awaited event
var ErrTimeout = errors.New("timeout")

// CauseOf returns the cause carried by err, or "" if err is not a ContextError
func CauseOf(err error) Cause {
	var cerr *ContextError
	if errors.As(err, &cerr) {
		return cerr.Cause
	}
	return ""
}
