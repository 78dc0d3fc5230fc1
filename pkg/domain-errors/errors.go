// Package domainerrors carries coded errors across the service boundary.
// Services return these codes; transports translate them to status codes.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeInternal   Code = "internal_error"
	CodeTimeout    Code = "timeout"

	// Ledger client-input codes.
	CodeAlreadyExists   Code = "already_exists"
	CodeInvalidAmount   Code = "invalid_amount"
	CodeInvalidCurrency Code = "invalid_currency"
	CodeOverdraft       Code = "overdraft"
	CodeBelowMinimum    Code = "below_minimum"
	CodeNonZeroBalance  Code = "non_zero_balance"
)

// Error is a coded domain error. Message is safe to show to callers;
// the wrapped error is for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and caller-safe message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when
// err is not a domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message of the outermost domain error.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}

// IsClientError reports whether code describes bad caller input rather than
// a system fault. Client errors are never retried and never logged as faults.
func IsClientError(code Code) bool {
	switch code {
	case CodeInternal, CodeTimeout:
		return false
	default:
		return true
	}
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidAmount, CodeInvalidCurrency:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeAlreadyExists, CodeNonZeroBalance:
		return http.StatusConflict
	case CodeOverdraft, CodeBelowMinimum:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
