// Package syncerr defines the error taxonomy shared by the sync core.
//
// Callers branch on the code with errors.Is against the exported sentinels:
//
//	if errors.Is(err, syncerr.ErrConflict) { ... }
package syncerr

import "fmt"

// Code classifies a failure.
type Code string

const (
	CodeValidation     Code = "validation"
	CodeConflict       Code = "conflict"
	CodeNotFound       Code = "not_found"
	CodeTransientStore Code = "transient_store"
	CodeAbandoned      Code = "abandoned"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrValidation     = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrConflict       = &Error{Code: CodeConflict, Message: "conflict"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "not found"}
	ErrTransientStore = &Error{Code: CodeTransientStore, Message: "store unavailable"}
	ErrAbandoned      = &Error{Code: CodeAbandoned, Message: "abandoned"}
)

// Validation reports malformed caller input.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a request that contradicts current state.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown account, item or record.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a store I/O failure.
func Transient(message string, cause error) *Error {
	return &Error{Code: CodeTransientStore, Message: message, Cause: cause}
}

// Abandoned reports work stopped by its caller.
func Abandoned(format string, args ...any) *Error {
	return &Error{Code: CodeAbandoned, Message: fmt.Sprintf(format, args...)}
}
