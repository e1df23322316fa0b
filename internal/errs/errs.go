// Package errs defines the error taxonomy shared by every component.
// Interface boundaries return *Error values carrying a stable code;
// unclassified failures are wrapped as CodeInternal before they reach
// the HTTP layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeDailyLimitExceeded   Code = "DAILY_LIMIT_EXCEEDED"
	CodeMonthlyLimitExceeded Code = "MONTHLY_LIMIT_EXCEEDED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeAccountFrozen        Code = "ACCOUNT_FROZEN"
	CodeInvalidOTP           Code = "INVALID_OTP"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeChainError           Code = "CHAIN_ERROR"
	CodeCryptoAuth           Code = "CRYPTO_AUTH_FAILED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is the tagged error type used at component boundaries.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails annotates the error with structured context surfaced to
// callers (amounts, limits). Returns the receiver for chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err is classified with code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status returned by the API layer.
// CryptoAuth and Internal deliberately collapse to a generic 500 so key
// handling failures never leak detail to callers.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInsufficientBalance, CodeDailyLimitExceeded, CodeMonthlyLimitExceeded, CodeIdempotencyConflict:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidOTP:
		return http.StatusUnauthorized
	case CodeAccountFrozen:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeChainError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether the error's own message may be shown to API
// callers. Crypto and internal failures get a generic message instead.
func Public(code Code) bool {
	switch code {
	case CodeCryptoAuth, CodeInternal, CodeChainError:
		return false
	default:
		return true
	}
}
