package common

import (
	"errors"
	"net/http"
)

// Machine-readable error codes surfaced in the API error envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnsupportedCurr    = "UNSUPPORTED_CURRENCY"
	CodeAmountExceedsLimit = "AMOUNT_EXCEEDS_LIMIT"
	CodeProviderDown       = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected   = "PROVIDER_REJECTED"
	CodeInvalidState       = "INVALID_STATE"
	CodeRefundExceeds      = "REFUND_EXCEEDS_BALANCE"
	CodeNotFound           = "NOT_FOUND"
	CodeRateUnavailable    = "RATE_UNAVAILABLE"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeIdempotentReplay   = "IDEMPOTENT_REPLAY"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// AsAppError extracts the AppError, falling back to an opaque INTERNAL error
// so upstream failures never leak into a response body.
func AsAppError(err error) *AppError {
	var target *AppError
	if errors.As(err, &target) {
		return target
	}
	return NewAppError(CodeInternal, "internal error", http.StatusInternalServerError, err)
}

// ErrValidation flags malformed or missing request fields.
func ErrValidation(message string, details any) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusUnprocessableEntity, Details: details}
}

// ErrNotFound flags a missing resource.
func ErrNotFound(message string) *AppError {
	return NewAppError(CodeNotFound, message, http.StatusNotFound, nil)
}

// ErrInvalidState flags an operation not permitted in the current status.
func ErrInvalidState(message string) *AppError {
	return NewAppError(CodeInvalidState, message, http.StatusConflict, nil)
}

// ErrUnauthenticated flags a missing or invalid credential.
func ErrUnauthenticated() *AppError {
	return NewAppError(CodeUnauthenticated, "authentication required", http.StatusUnauthorized, nil)
}
