package models

import "errors"

// ErrorCode identifies a failure class on the service surface.
type ErrorCode string

const (
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrValidation       ErrorCode = "VALIDATION"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrRateLimit        ErrorCode = "RATE_LIMIT"
	ErrProvider         ErrorCode = "PROVIDER_ERROR"
	ErrSearch           ErrorCode = "SEARCH_ERROR"
	ErrIndex            ErrorCode = "INDEX_ERROR"
	ErrCache            ErrorCode = "CACHE_ERROR"
)

// Error is a coded error carried across component boundaries.
type Error struct {
	Err     error     `json:"-"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// WrapError attaches a code to an underlying error.
func WrapError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the ErrorCode from err, or empty when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
