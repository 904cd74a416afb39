// Package errors provides the application error types shared by every
// component of the engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These are the machine-readable kinds surfaced to
// tool clients and written into failed job records.
const (
	ErrCodeInvalidParams      = "INVALID_PARAMS"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeAuthUnavailable    = "AUTH_UNAVAILABLE"
	ErrCodeTimedOut           = "TIMED_OUT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidParams creates an error for a malformed or missing argument.
func InvalidParams(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidParams,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// PreconditionFailed creates an error for an operation whose preconditions
// are not met, such as advancing a task with incomplete prerequisites.
func PreconditionFailed(message string) *AppError {
	return &AppError{
		Code:       ErrCodePreconditionFailed,
		Message:    message,
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// Unavailable creates an error for an unreachable external collaborator.
func Unavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AuthUnavailable creates an error for a missing or expired agent credential.
func AuthUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthUnavailable,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TimedOut creates an error for a bounded operation that did not finish in
// time.
func TimedOut(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimedOut,
		Message:    fmt.Sprintf("operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the error code for an error, or INTERNAL_ERROR if the error
// is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsPreconditionFailed checks if the error is a precondition failure.
func IsPreconditionFailed(err error) bool {
	return CodeOf(err) == ErrCodePreconditionFailed
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
