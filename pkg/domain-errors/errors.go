// Package domainerrors provides code-tagged errors so callers can branch on
// expected outcomes (conflict, not found, validation) without matching on
// concrete error types or message strings.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers. Codes are part of the package contract;
// renaming one is a breaking change.
type Code string

const (
	// CodeValidation marks a rejected input (bad request payloads, empty
	// required fields).
	CodeValidation Code = "validation"
	// CodeInvariantViolation marks a domain rule violation raised by an
	// aggregate before any I/O happens.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeNotFound marks a missing aggregate or sub-entity.
	CodeNotFound Code = "not_found"
	// CodeConflict marks an optimistic-concurrency conflict or a duplicate
	// creation attempt. Callers may reload and retry.
	CodeConflict Code = "conflict"
	// CodePreconditionFailed marks a continuation token whose embedded
	// aggregate version no longer matches the current one.
	CodePreconditionFailed Code = "precondition_failed"
	// CodeBadRequest marks malformed transport-level input.
	CodeBadRequest Code = "bad_request"
	// CodeTimeout marks a cancelled or deadline-exceeded operation.
	CodeTimeout Code = "timeout"
	// CodeInternal marks an unexpected fault (storage connectivity, bugs).
	// Never retried inside the core.
	CodeInternal Code = "internal"
)

// Error is a code-tagged error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving err for errors.Is/As.
// Returns nil if err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
	}
	return false
}

// Is is a readability alias for HasCode, used at call sites that branch on
// a single code.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when err
// carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
