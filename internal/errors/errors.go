package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Session lifecycle
	ErrCodeSessionNotConnected ErrorCode = "SESSION_NOT_CONNECTED"
	ErrCodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal  ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase  ErrorCode = "DATABASE_ERROR"
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

// InvalidInput reports a validation failure naming the offending field.
func InvalidInput(field string, reason string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("Invalid %s: %s", field, reason),
		Field:   field,
	}
}

func MissingRequired(field string) *AppError {
	return &AppError{
		Code:    ErrCodeMissingRequired,
		Message: fmt.Sprintf("%s is required", field),
		Field:   field,
	}
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func SessionNotConnected() *AppError {
	return New(ErrCodeSessionNotConnected, "Session is not connected")
}

func ConnectionFailed() *AppError {
	return New(ErrCodeConnectionFailed, "Failed to establish connection")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Transport(cause error) *AppError {
	return Wrap(ErrCodeTransport, "Transport error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsValidation reports whether err is a client-input validation failure.
func IsValidation(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case ErrCodeValidation, ErrCodeInvalidInput, ErrCodeMissingRequired:
		return true
	}
	return false
}

// Sanitize translates an arbitrary error into one safe to surface across the
// public boundary. Validation failures and other AppErrors pass through with
// their message intact; everything else collapses to a generic internal error
// so transport or persistence details never leak to callers.
func Sanitize(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return Internal("An unexpected error occurred")
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
