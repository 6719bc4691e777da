// Package errors provides standardized error handling for the call-token service.
// Every pipeline stage reports failures as an *Error whose code maps to exactly one HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the call-token service.
type ErrorCode string

const (
	// Authentication errors
	UNAUTHORIZED ErrorCode = "UNAUTHORIZED" // Missing or invalid bearer credential

	// Quota errors
	RATE_LIMITED ErrorCode = "RATE_LIMITED" // Caller exceeded the token request budget

	// Request errors
	INVALID_INPUT ErrorCode = "INVALID_INPUT" // Malformed body, channel name, uid or role

	// Authorization errors
	NOT_FOUND ErrorCode = "NOT_FOUND" // No conversation owns the requested call channel
	FORBIDDEN ErrorCode = "FORBIDDEN" // Caller is not a participant of the conversation

	// Server errors
	CONFIGURATION ErrorCode = "CONFIGURATION" // Deployment misconfiguration (missing provider credentials)
	UPSTREAM      ErrorCode = "UPSTREAM"      // Identity provider or persistence lookup failed
	INTERNAL      ErrorCode = "INTERNAL"      // Anything else
)

// Error represents a standardized error response.
// Message is returned to the caller verbatim; Cause stays server-side.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"error"`
	RetryAfter int       `json:"retryAfter,omitempty"` // Seconds, only for RATE_LIMITED
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause for logging and errors.Is/As chains.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// RateLimited creates a RATE_LIMITED error carrying the Retry-After hint in seconds.
func RateLimited(retryAfter int) *Error {
	e := New(RATE_LIMITED, "Rate limit exceeded. Try again later.")
	e.RetryAfter = retryAfter
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// As extracts an *Error from err. Errors that are not part of the taxonomy
// are reported as INTERNAL with the original message.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(INTERNAL, err.Error(), err)
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case UNAUTHORIZED:
		return http.StatusUnauthorized
	case RATE_LIMITED:
		return http.StatusTooManyRequests
	case INVALID_INPUT:
		return http.StatusBadRequest
	case NOT_FOUND:
		return http.StatusNotFound
	case FORBIDDEN:
		return http.StatusForbidden
	case UPSTREAM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
