// Package errors defines the typed error taxonomy shared by the trading
// core. Domain packages declare sentinel errors with New; the API layer maps
// codes to HTTP statuses. Infrastructure failures are wrapped with Internal
// so internal detail is never leaked to callers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for propagation policy and status mapping.
type Code string

const (
	// CodeValidation: client-supplied data is structurally or semantically
	// invalid. Never retried, no partial effect.
	CodeValidation Code = "VALIDATION"
	// CodeConflict: the entity is in a state that forbids the operation
	// (wrong order state, inactive offer, insufficient availability or
	// balance). The business action may be retried, the call must not be.
	CodeConflict Code = "CONFLICT"
	// CodeNotFound: the referenced entity does not exist or is soft-deleted.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden: the caller is not allowed to act on the entity.
	CodeForbidden Code = "FORBIDDEN"
	// CodeExpired: a deadline has passed.
	CodeExpired Code = "EXPIRED"
	// CodeInternal: persistence or infrastructure failure. The enclosing
	// transaction has rolled back fully.
	CodeInternal Code = "INTERNAL"
)

// Error is a domain error with a stable code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two domain errors by identity or, for wrapped
// copies produced by WithCause, by code and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a sentinel domain error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of e carrying cause for operator logs while
// keeping errors.Is(err, e) true.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, cause: cause}
}

// Internal wraps an infrastructure failure.
func Internal(op string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error: " + op, cause: cause}
}

// CodeOf extracts the code from any error; unknown errors are internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsDomain reports whether err carries a non-internal domain code, i.e. a
// 4xx-equivalent failure that must not be retried by transaction machinery.
func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code != CodeInternal
}

// HTTPStatus maps a code to the status the API surface responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
