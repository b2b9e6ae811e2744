package errors

import "fmt"

// AppError represents a domain-specific error with a stable code that
// callers and operators can match on.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewUnknownProviderError rejects a provider name that is not part of the
// fixed priority list. This is a programmer error and is never persisted.
func NewUnknownProviderError(provider string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_PROVIDER",
		Message: fmt.Sprintf("provider %q is not in the configured priority list", provider),
	}
}

// NewProvidersExhaustedError signals that the failover chain ran past the
// last provider in the priority list.
func NewProvidersExhaustedError() *AppError {
	return &AppError{
		Code:    "PROVIDERS_EXHAUSTED",
		Message: "no provider available: priority list exhausted",
	}
}

func NewValidationError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func NewInternalError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}
