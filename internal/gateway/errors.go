package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure so the call site can decide between
// retrying, surfacing a decline or flagging a protocol problem.
type Kind string

const (
	// KindTransient covers network failures, timeouts, 5xx responses and an
	// open circuit breaker. Safe to retry with the same idempotency key.
	KindTransient Kind = "transient"
	// KindRejected covers provider declines. Never retried.
	KindRejected Kind = "rejected"
	// KindInvalid covers malformed provider responses and failed webhook
	// verification.
	KindInvalid Kind = "invalid"
)

// Error is the typed failure returned by every adapter call.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s", e.Message)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("gateway: %s failure", e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient wraps a transport-level failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "provider unreachable", Err: err}
}

// Rejected wraps a provider decline with its machine-readable code.
func Rejected(code, message string) *Error {
	return &Error{Kind: KindRejected, Code: code, Message: message}
}

// Invalid wraps a malformed provider response.
func Invalid(message string, err error) *Error {
	return &Error{Kind: KindInvalid, Message: message, Err: err}
}

// IsTransient reports whether the error is a retryable gateway failure.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == KindTransient
}

// IsRejected reports whether the provider declined the operation.
func IsRejected(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == KindRejected
}
