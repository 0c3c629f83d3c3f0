package txnlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes used by the log engine. Callers branch on the code, never on
// the message.
const (
	EInternal     = "internal error"
	EInvalid      = "invalid"
	ECorruption   = "corruption"    // persisted or wire data failed validation
	EInvalidState = "invalid state" // operation not legal in the current state
	ENotPrimary   = "not primary"   // write attempted on a replica that is not primary
	ETransient    = "transient"     // retryable; the caller may resubmit
	EFaulted      = "faulted"       // the component has stopped accepting work
	EClosed       = "closed"
)

// Error is the error type returned by the log engine.
//
// Code targets automated handlers so that recovery can occur. Msg is for the
// operator. Op and Err chain errors together in a logical stack trace:
//
//	&Error{
//	    Code: ECorruption,
//	    Op:   "logrecord.Read",
//	    Msg:  "section overrun",
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// NewError returns an instance of an error.
func NewError(options ...func(*Error)) *Error {
	err := &Error{}
	for _, o := range options {
		o(err)
	}
	return err
}

// WithErrorErr sets the err on the error.
func WithErrorErr(err error) func(*Error) {
	return func(e *Error) {
		e.Err = err
	}
}

// WithErrorCode sets the code on the error.
func WithErrorCode(code string) func(*Error) {
	return func(e *Error) {
		e.Code = code
	}
}

// WithErrorMsg sets the message on the error.
func WithErrorMsg(msg string) func(*Error) {
	return func(e *Error) {
		e.Msg = msg
	}
}

// WithErrorOp sets the operation on the error.
func WithErrorOp(op string) func(*Error) {
	return func(e *Error) {
		e.Op = op
	}
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code of the first coded error in the chain. Context
// cancellation maps to ETransient; anything else without a code is EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		if e.Code != "" {
			return e.Code
		}
		if e.Err != nil {
			return ErrorCode(e.Err)
		}
		return EInternal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ETransient
	}
	return EInternal
}

// ErrorOp returns the op of the error, if available.
func ErrorOp(err error) string {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}
	if e.Op != "" {
		return e.Op
	}
	if e.Err != nil {
		return ErrorOp(e.Err)
	}
	return ""
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool { return ErrorCode(err) == ETransient }

// Corruptf returns an ECorruption error for op.
func Corruptf(op, format string, args ...interface{}) *Error {
	return &Error{Code: ECorruption, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidStatef returns an EInvalidState error for op.
func InvalidStatef(op, format string, args ...interface{}) *Error {
	return &Error{Code: EInvalidState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and op to err. A nil err returns nil.
func Wrap(err error, code, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

var (
	// ErrNotPrimary is returned when a write is attempted on a replica that
	// is not currently primary.
	ErrNotPrimary = &Error{Code: ENotPrimary, Msg: "replica is not primary"}

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = &Error{Code: EClosed, Msg: "log closed"}
)
