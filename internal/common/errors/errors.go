// Package errors provides standardized error handling for the query pipeline and HTTP surface.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Provider lifecycle
	ErrCodeProviderConfigInvalid ErrorCode = "PROVIDER_CONFIG_INVALID"
	ErrCodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout       ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderRequestFailed ErrorCode = "PROVIDER_REQUEST_FAILED"
	ErrCodeModelNotFound         ErrorCode = "MODEL_NOT_FOUND"

	// Conversation pipeline
	ErrCodeIntentParsingFailed ErrorCode = "INTENT_PARSING_FAILED"
	ErrCodeSynthesisFailed     ErrorCode = "SYNTHESIS_FAILED"

	// Request authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Telemetry queries
	ErrCodeValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrCodeDeviceOwnershipMismatch ErrorCode = "DEVICE_OWNERSHIP_MISMATCH"
	ErrCodeQueryExecutionFailed    ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout            ErrorCode = "QUERY_TIMEOUT"

	// Infrastructure
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeSessionStoreFailed       ErrorCode = "SESSION_STORE_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. HTTP Error Integration
// ==========================

// HTTPError represents an error shaped for an API response body.
type HTTPError struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPError[%s]: %s", e.Code, e.Message)
}

// HTTPStatusFor maps internal error codes to HTTP status codes.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrCodeUnauthorized:
		return 401
	case ErrCodeValidationFailed:
		return 400
	case ErrCodeDeviceOwnershipMismatch:
		return 403
	case ErrCodeModelNotFound:
		return 404
	case ErrCodeProviderUnavailable, ErrCodeProviderTimeout, ErrCodeProviderRequestFailed:
		return 502
	default:
		return 500
	}
}

// ConvertToHTTPError converts a StandardError into its API response shape.
func ConvertToHTTPError(stdErr *StandardError) *HTTPError {
	return &HTTPError{
		Status:  HTTPStatusFor(stdErr.Code),
		Code:    string(stdErr.Code),
		Message: stdErr.Message,
		Details: stdErr.Details,
		Fields:  stdErr.Metadata,
	}
}

// ==========================
// 3. Error Constructors
// ==========================

// NewProviderConfigError creates a non-retryable provider configuration error.
func NewProviderConfigError(provider, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderConfigInvalid,
		Message:   fmt.Sprintf("Provider '%s' configuration is invalid", provider),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderUnavailableError creates a retryable provider reachability error.
func NewProviderUnavailableError(provider string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderUnavailable,
		Message:   fmt.Sprintf("Provider '%s' is not reachable", provider),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderTimeoutError creates a retryable provider timeout error.
func NewProviderTimeoutError(provider string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderTimeout,
		Message:   fmt.Sprintf("Provider '%s' call timed out", provider),
		Details:   "call exceeded the configured timeout",
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderRequestFailedError creates a retryable provider failure with a
// sanitized message. Backend payloads and status codes belong in server logs,
// never in this error.
func NewProviderRequestFailedError(provider string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderRequestFailed,
		Message:   "The language model service is temporarily unavailable. Please try again.",
		Details:   fmt.Sprintf("provider: %s", provider),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewModelNotFoundError creates a non-retryable model lookup error with a
// sanitized message.
func NewModelNotFoundError(provider, model string) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelNotFound,
		Message:   fmt.Sprintf("Model '%s' is not available. Please check the model name and try again.", model),
		Details:   fmt.Sprintf("provider: %s", provider),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewIntentParsingFailedError records a malformed intent payload from the
// model. The pipeline coerces this to a no-telemetry turn; the error exists
// for logs and metrics only.
func NewIntentParsingFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeIntentParsingFailed,
		Message:   "Intent extraction returned an unparseable payload",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSynthesisFailedError creates a retryable synthesis error.
func NewSynthesisFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSynthesisFailed,
		Message:   "Response synthesis failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthorizedError creates a non-retryable missing-principal error.
func NewUnauthorizedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnauthorized,
		Message:   "Authentication required",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError creates a non-retryable request validation error.
// Field-level detail travels in Metadata under "fields".
func NewValidationFailedError(details string, fields map[string]interface{}) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Metadata:  fields,
		Timestamp: time.Now().UTC(),
	}
}

// NewDeviceOwnershipMismatchError creates a non-retryable tenant mismatch error.
func NewDeviceOwnershipMismatchError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDeviceOwnershipMismatch,
		Message:   "Requested device does not belong to the authenticated user",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Telemetry query execution failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryTimeoutError creates a retryable query timeout error.
func NewQueryTimeoutError() *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryTimeout,
		Message:   "Telemetry query timed out",
		Details:   "query cancelled or exceeded its deadline",
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionStoreError creates a retryable session store error.
func NewSessionStoreError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionStoreFailed,
		Message:   "Conversation history store error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 4. Utility Functions
// ==========================

// GetRetryCount returns the in-process retry budget for a code. Only provider
// adapters retry; pipeline stages degrade instead.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeProviderUnavailable,
		ErrCodeProviderRequestFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeSessionStoreFailed,
		ErrCodeSynthesisFailed:
		return 3

	case ErrCodeProviderTimeout,
		ErrCodeQueryTimeout:
		return 2

	default:
		return 0
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code, used as a metric label.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "PROVIDER") || strings.Contains(codeStr, "MODEL"):
		return "PROVIDER"
	case strings.Contains(codeStr, "INTENT") || strings.Contains(codeStr, "SYNTHESIS"):
		return "PIPELINE"
	case strings.Contains(codeStr, "QUERY") || strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "SESSION"):
		return "SESSION"
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "OWNERSHIP"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
