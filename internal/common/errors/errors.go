// Package errors provides the application error type shared by all
// orchestrator components and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeNoCapacity       = "NO_CAPACITY"
	ErrCodeTransportFailed  = "TRANSPORT_FAILED"
	ErrCodeAgentUnavailable = "AGENT_UNAVAILABLE"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	HTTPStatus    int    `json:"http_status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Err           error  `json:"-"`
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidInput creates a new validation error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidField creates a new validation error for a specific field.
func InvalidField(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NoCapacity reports that placement found no agent for a job. The job stays
// queued, so callers translate this into 202 rather than a failure.
func NoCapacity(jobID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoCapacity,
		Message:    fmt.Sprintf("no agent available for job '%s'; job remains queued", jobID),
		HTTPStatus: http.StatusAccepted,
	}
}

// TransportFailed reports that sending to an agent exhausted its retries.
func TransportFailed(endpoint string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransportFailed,
		Message:    fmt.Sprintf("transport to '%s' failed", endpoint),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AgentUnavailable reports that agent registration failed because session
// provisioning failed.
func AgentUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
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

// Internal creates a new internal error with a wrapped underlying error.
// These indicate contract violations, never operational failures.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
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

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// As extracts an AppError from err, or wraps err as INTERNAL.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err.Error(), err)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsInvalidInput checks if the error is a validation error.
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidInput
	}
	return false
}
