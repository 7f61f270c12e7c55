package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorCode classifies application errors. The retry controller keys its
// retry/suspend/drop decisions off these codes.
type ErrorCode string

const (
	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// Validation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeMissingRequired  ErrorCode = "MISSING_REQUIRED"
	ErrCodeInvalidFormat    ErrorCode = "INVALID_FORMAT"

	// Authentication / authorization errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Storage errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"

	// External collaborator errors
	ErrCodeExternalService    ErrorCode = "EXTERNAL_SERVICE"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Tenant errors
	ErrCodeTenantUnknown   ErrorCode = "TENANT_UNKNOWN"
	ErrCodeTenantSuspended ErrorCode = "TENANT_SUSPENDED"
)

// AppError is a structured application error carrying a classification code.
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error.
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewAppErrorWithCause creates a new application error wrapping a cause.
func NewAppErrorWithCause(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// WrapError wraps an existing error with an application error code. An error
// that is already an AppError is returned unchanged so the original
// classification survives layering.
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasErrorCode reports whether the error chain carries the given code.
func HasErrorCode(err error, code ErrorCode) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code == code
	}
	return false
}

// ErrTenantUnknown creates an error for a tenant with no routing rule.
func ErrTenantUnknown(tenantID string) *AppError {
	return NewAppError(ErrCodeTenantUnknown, fmt.Sprintf("no storage route for tenant %q", tenantID))
}

// ErrTenantSuspended creates an error for a tenant in failsafe mode.
func ErrTenantSuspended(tenantID string) *AppError {
	return NewAppError(ErrCodeTenantSuspended, fmt.Sprintf("tenant %q is suspended", tenantID))
}

// ErrDatabaseConnection creates a storage connection error.
func ErrDatabaseConnection(cause error) *AppError {
	return NewAppErrorWithCause(ErrCodeDatabaseConnection, "database connection failed", cause)
}

// IsTransient reports whether the error is worth retrying: network trouble,
// timeouts, and unavailable backends. Unclassified errors default to
// transient so an unknown failure never silently drops data.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if appErr := GetAppError(err); appErr != nil {
		switch appErr.Code {
		case ErrCodeTimeout, ErrCodeNetworkError, ErrCodeServiceUnavailable,
			ErrCodeDatabaseConnection, ErrCodeExternalService:
			return true
		case ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeInvalidInput,
			ErrCodeValidationFailed, ErrCodeMissingRequired, ErrCodeInvalidFormat,
			ErrCodeTenantUnknown, ErrCodeTenantSuspended:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// IsAuthFailure reports whether the error is an authentication or permission
// failure. Retrying these never helps.
func IsAuthFailure(err error) bool {
	return HasErrorCode(err, ErrCodeUnauthorized) || HasErrorCode(err, ErrCodeForbidden)
}

// IsMalformed reports whether the operation itself is invalid and must be
// dropped rather than retried.
func IsMalformed(err error) bool {
	return HasErrorCode(err, ErrCodeInvalidInput) ||
		HasErrorCode(err, ErrCodeValidationFailed) ||
		HasErrorCode(err, ErrCodeMissingRequired) ||
		HasErrorCode(err, ErrCodeInvalidFormat)
}
