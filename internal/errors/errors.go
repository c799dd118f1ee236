// Package errors provides the structured application error taxonomy for renderd.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeForbidden indicates the caller does not own the resource.
	ErrCodeForbidden ErrorCode = "forbidden"
	// ErrCodeAdmissionDenied indicates insufficient credit at admission time.
	ErrCodeAdmissionDenied ErrorCode = "admission_denied"
	// ErrCodeAlreadyTerminal indicates an operation on a job that already resolved.
	ErrCodeAlreadyTerminal ErrorCode = "already_terminal"
	// ErrCodeLayoutUnrecognized indicates a restart could not map the source layout.
	ErrCodeLayoutUnrecognized ErrorCode = "layout_unrecognized"
	// ErrCodeConflict indicates a conflict with existing data.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and
// optional cause. It supports error wrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// AdmissionDeniedError carries the shortfall detail surfaced to the end user
// when a debit is rejected. It wraps an AppError with code admission_denied.
type AdmissionDeniedError struct {
	Required  int
	Available int
}

// Error implements the error interface.
func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %d credits required, %d available", e.Required, e.Available)
}

// AppError converts the denial into the shared taxonomy.
func (e *AdmissionDeniedError) AppError() *AppError {
	return &AppError{
		Code:    ErrCodeAdmissionDenied,
		Message: e.Error(),
		Cause:   e,
	}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden creates a new Forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// AlreadyTerminal creates an error for operations against a resolved job.
func AlreadyTerminal(message string) *AppError {
	return &AppError{Code: ErrCodeAlreadyTerminal, Message: message}
}

// LayoutUnrecognized creates an error for restarts with an unmappable layout.
func LayoutUnrecognized(message string) *AppError {
	return &AppError{Code: ErrCodeLayoutUnrecognized, Message: message}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsForbidden checks if an error is a Forbidden error.
func IsForbidden(err error) bool { return isCode(err, ErrCodeForbidden) }

// IsAdmissionDenied checks if an error is an AdmissionDenied error.
func IsAdmissionDenied(err error) bool {
	var denied *AdmissionDeniedError
	return errors.As(err, &denied) || isCode(err, ErrCodeAdmissionDenied)
}

// IsAlreadyTerminal checks if an error is an AlreadyTerminal error.
func IsAlreadyTerminal(err error) bool { return isCode(err, ErrCodeAlreadyTerminal) }

// IsLayoutUnrecognized checks if an error is a LayoutUnrecognized error.
func IsLayoutUnrecognized(err error) bool { return isCode(err, ErrCodeLayoutUnrecognized) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsInternal checks if an error is an Internal error.
func IsInternal(err error) bool { return isCode(err, ErrCodeInternal) }

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
