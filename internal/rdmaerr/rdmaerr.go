// Package rdmaerr defines the error taxonomy shared by every connection
// operation (spec.md §4.6). Every public operation in
// internal/connection and internal/fabric returns an error that either
// is, or wraps, a *Error carrying one of these codes, so callers can
// classify failures with errors.Is/errors.As without parsing strings.
package rdmaerr

import (
	"errors"
	"fmt"
)

// Code identifies the class of an RDMA connection error, matching the
// enumerated result codes in spec.md §4.6 one-for-one (success is the
// absence of an error, not a Code value).
type Code int

const (
	Unknown Code = iota
	WrongState
	BadArgument
	AlreadyInitialized
	InitializationFailed
	MemoryRegistrationFailed
	SendFailed
	ReceiveFailed
	Cancelled
	Timeout
	OutOfMemory
	GeneralFailure
)

func (c Code) String() string {
	switch c {
	case WrongState:
		return "error_wrong_state"
	case BadArgument:
		return "error_bad_argument"
	case AlreadyInitialized:
		return "error_already_initialized"
	case InitializationFailed:
		return "error_initialization_failed"
	case MemoryRegistrationFailed:
		return "error_memory_registration_failed"
	case SendFailed:
		return "error_send_failed"
	case ReceiveFailed:
		return "error_receive_failed"
	case Cancelled:
		return "error_cancelled"
	case Timeout:
		return "error_timeout"
	case OutOfMemory:
		return "error_out_of_memory"
	case GeneralFailure:
		return "error_general_failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Code plus context.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, rdmaerr.New(rdmaerr.WrongState, "")) style
// checks by comparing codes, in addition to errors.As(err, &target).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds a new *Error with no wrapped cause.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap builds a new *Error wrapping cause under the given code.
func Wrap(code Code, op string, cause error) *Error {
	if cause == nil {
		return New(code, op)
	}
	return &Error{Code: code, Op: op, Err: cause}
}

// CodeOf extracts the Code from err, returning Unknown if err does not
// wrap an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
