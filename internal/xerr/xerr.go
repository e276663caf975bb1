// Package xerr defines the error codes shared across the orchestration
// core. Every failure that crosses a package boundary carries a Code so
// the orchestrator can decide retry behavior and the API can report a
// stable identifier to clients.
package xerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeUnknownTool       Code = "UNKNOWN_TOOL"
	CodeInvalidArguments  Code = "INVALID_ARGUMENTS"
	CodeUpstreamError     Code = "UPSTREAM_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeInvalidOutput     Code = "INVALID_OUTPUT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeLeaseExpired      Code = "LEASE_EXPIRED"
	CodeConflict          Code = "CONFLICT"
	CodeStorage           Code = "STORAGE_FAILURE"
	CodeQueue             Code = "QUEUE_FAILURE"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeCancelled         Code = "CANCELLED"
)

// retryable marks the codes that represent transient failures. Whether a
// retry actually happens also depends on the tool's idempotency flag;
// that check lives in the orchestrator.
var retryable = map[Code]bool{
	CodeUpstreamError: true,
	CodeTimeout:       true,
	CodeStorage:       true,
	CodeQueue:         true,
}

// Error is the unified error type. It wraps an optional cause and is
// comparable by code through errors.Is.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, message string) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

func (e *Error) Message() string { return e.message }

// Is reports code equality so sentinel comparisons like
// errors.Is(err, xerr.New(xerr.CodeNotFound, "")) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// CodeOf extracts the code from any error, CodeUnknown if it does not
// carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeUnknown
}

// Retryable reports whether the error's code represents a transient
// failure worth retrying.
func Retryable(err error) bool {
	return retryable[CodeOf(err)]
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
