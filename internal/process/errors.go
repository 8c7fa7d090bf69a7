package process

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes process errors.
type ErrorCode string

const (
	// ErrCodeInvalidInputs indicates inputs that do not satisfy the spec.
	ErrCodeInvalidInputs ErrorCode = "INVALID_INPUTS"

	// ErrCodeInvalidOutputs indicates an output that does not satisfy the
	// spec, or a required output missing at finish.
	ErrCodeInvalidOutputs ErrorCode = "INVALID_OUTPUTS"

	// ErrCodeFailed indicates the process body returned an error or panicked.
	ErrCodeFailed ErrorCode = "FAILED"

	// ErrCodeStopped indicates the process was cancelled.
	ErrCodeStopped ErrorCode = "STOPPED"

	// ErrCodeInvalidTransition indicates a lifecycle call in the wrong state.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeStackCorrupted indicates an out-of-order pop of the process stack.
	ErrCodeStackCorrupted ErrorCode = "STACK_CORRUPTED"

	// ErrCodeUnknownClass indicates a class reference the registry cannot resolve.
	ErrCodeUnknownClass ErrorCode = "UNKNOWN_CLASS"
)

// ErrNoActiveProcess is returned by stack accessors on an empty stack.
var ErrNoActiveProcess = errors.New("no active process")

// Error is a process failure with a category and the affected pid.
type Error struct {
	Code    ErrorCode
	Message string
	PID     PID
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PID != "" {
		msg += fmt.Sprintf(" (pid=%s)", e.PID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, pid PID, err error, format string, args ...any) *Error {
	return &Error{Code: code, PID: pid, Err: err, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsFailure reports whether err means the process ended FAILED.
func IsFailure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeFailed, ErrCodeInvalidInputs, ErrCodeInvalidOutputs:
		return true
	}
	return false
}

// IsStopped reports whether err means the process was cancelled.
func IsStopped(err error) bool {
	return CodeOf(err) == ErrCodeStopped
}
