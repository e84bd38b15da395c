package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Availability errors
	ErrCodeUserUnavailable ErrorCode = "USER_UNAVAILABLE"
	ErrCodeUserBusy        ErrorCode = "USER_BUSY"
	ErrCodeSelfBusy        ErrorCode = "SELF_BUSY"

	// Media errors
	ErrCodeMediaFailure ErrorCode = "MEDIA_FAILURE"

	// Negotiation errors
	ErrCodeNegotiation      ErrorCode = "NEGOTIATION_FAILURE"
	ErrCodeConnectivityLost ErrorCode = "CONNECTIVITY_LOST"

	// Session errors
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"
	ErrCodeUserNotFound  ErrorCode = "USER_NOT_FOUND"
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"

	// Collaborator errors
	ErrCodeRelay   ErrorCode = "RELAY_ERROR"
	ErrCodeUpload  ErrorCode = "UPLOAD_FAILED"
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Convenience constructors for common error types

func UserUnavailableError(username string) *AppError {
	return New(ErrCodeUserUnavailable, "user is offline").WithDetails(username)
}

func UserBusyError(username string) *AppError {
	return New(ErrCodeUserBusy, "user is in another call").WithDetails(username)
}

func MediaFailureError(err error) *AppError {
	return Wrap(ErrCodeMediaFailure, "media acquisition failed", err)
}

func NegotiationError(err error) *AppError {
	return Wrap(ErrCodeNegotiation, "negotiation failed", err)
}

func ConnectivityLostError(attempts int) *AppError {
	return New(ErrCodeConnectivityLost, "connection lost and reconnection exhausted").WithDetails(attempts)
}

func InvalidStateError(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "call not found")
}

func UserNotFoundError() *AppError {
	return New(ErrCodeUserNotFound, "user not found")
}

func RelayError(err error) *AppError {
	return Wrap(ErrCodeRelay, "relay operation failed", err)
}

func UploadError(err error) *AppError {
	return Wrap(ErrCodeUpload, "recording upload failed", err)
}

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from an error, if present
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
