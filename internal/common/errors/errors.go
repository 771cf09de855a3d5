// Package errors provides API-facing error values that carry an HTTP status
// and a stable machine-readable code alongside the message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error with an HTTP status and code attached.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.cause
}

// BadRequest returns a 400 error.
func BadRequest(message string) *AppError {
	return &AppError{Code: "BAD_REQUEST", Message: message, HTTPStatus: http.StatusBadRequest}
}

// ValidationError returns a 400 error naming the offending field.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("%s: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound returns a 404 error.
func NotFound(message string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: message, HTTPStatus: http.StatusNotFound}
}

// Conflict returns a 409 error.
func Conflict(message string) *AppError {
	return &AppError{Code: "CONFLICT", Message: message, HTTPStatus: http.StatusConflict}
}

// TooManyRequests returns a 429 error.
func TooManyRequests(message string) *AppError {
	return &AppError{Code: "TOO_MANY_REQUESTS", Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// Internal returns a 500 error.
func Internal(message string) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: message, HTTPStatus: http.StatusInternalServerError}
}

// Wrap attaches context to err, preserving its status when it already is an
// AppError and defaulting to 500 otherwise.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			HTTPStatus: appErr.HTTPStatus,
			cause:      err,
		}
	}
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}
