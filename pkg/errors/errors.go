package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorKind classifies every failure the auth core can report
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindInvalidCode        ErrorKind = "invalid_code"
	KindExpiredCode        ErrorKind = "expired_code"
	KindAccountExists      ErrorKind = "account_exists"
	KindRateLimited        ErrorKind = "rate_limited"
	KindNetwork            ErrorKind = "network"
	KindUnknown            ErrorKind = "unknown"
)

// Generic user-facing messages for kinds whose details must not reach the user
const (
	MessageNetwork = "We couldn't reach the server. Please check your connection and try again."
	MessageUnknown = "Something went wrong. Please try again."
)

// AppError is the normalized result of a failed operation.
// A nil *AppError together with a value is the success side.
type AppError struct {
	Kind     ErrorKind         `json:"kind"`
	Message  string            `json:"message"`
	Code     string            `json:"code,omitempty"`
	Status   int               `json:"status,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Internal error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Internal.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches another *AppError by kind so callers can write errors.Is(err, errors.ErrRateLimited)
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Business reports whether the provider message may be shown to the user verbatim
func (e *AppError) Business() bool {
	switch e.Kind {
	case KindValidation, KindInvalidCredentials, KindInvalidCode, KindExpiredCode,
		KindAccountExists, KindRateLimited:
		return true
	}
	return false
}

// Sentinels for errors.Is checks. They carry no message so Is matches on kind only.
var (
	ErrValidation         = &AppError{Kind: KindValidation}
	ErrInvalidCredentials = &AppError{Kind: KindInvalidCredentials}
	ErrInvalidCode        = &AppError{Kind: KindInvalidCode}
	ErrExpiredCode        = &AppError{Kind: KindExpiredCode}
	ErrAccountExists      = &AppError{Kind: KindAccountExists}
	ErrRateLimited        = &AppError{Kind: KindRateLimited}
	ErrNetwork            = &AppError{Kind: KindNetwork}
	ErrUnknown            = &AppError{Kind: KindUnknown}
)

// NewValidationError creates a field-level validation error
func NewValidationError(message string, fields map[string]string) *AppError {
	return &AppError{
		Kind:    KindValidation,
		Message: message,
		Fields:  fields,
	}
}

// New creates an error of the given kind
func New(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// NewNetworkError wraps a transport failure
func NewNetworkError(internal error) *AppError {
	return &AppError{
		Kind:     KindNetwork,
		Message:  MessageNetwork,
		Internal: internal,
	}
}

// NewUnknownError wraps an unexpected failure
func NewUnknownError(internal error) *AppError {
	return &AppError{
		Kind:     KindUnknown,
		Message:  MessageUnknown,
		Internal: internal,
	}
}

// Normalize converts any error into an *AppError. It returns nil for nil.
func Normalize(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return NewNetworkError(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return NewNetworkError(err)
	}

	return NewUnknownError(err)
}

// KindOf returns the kind of err after normalization, or "" for nil
func KindOf(err error) ErrorKind {
	if appErr := Normalize(err); appErr != nil {
		return appErr.Kind
	}
	return ""
}

// UserMessage returns the text to show for err. Business failures keep the provider
// message when there is one; everything else gets fallback.
func UserMessage(err error, fallback string) string {
	appErr := Normalize(err)
	if appErr == nil {
		return ""
	}
	if appErr.Business() && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}
