// internal/common/errors/handler.go
package errors

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorHandler handles request errors with standardized error handling
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleRequestError handles any error raised while serving a request
func (h *ErrorHandler) HandleRequestError(c *gin.Context, err error) {
	// Normalize to StandardError
	stdErr := h.normalizeError(err)

	// Convert to the API response shape
	httpErr := ConvertToHTTPError(stdErr)

	// Log
	h.logError(c, stdErr, httpErr)

	// Respond and stop the handler chain
	c.AbortWithStatusJSON(httpErr.Status, gin.H{"error": httpErr})
}

// normalizeError ensures we always have a StandardError
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func (h *ErrorHandler) logError(c *gin.Context, stdErr *StandardError, httpErr *HTTPError) {
	h.logger.Error("Request failed", map[string]interface{}{
		"method":        c.Request.Method,
		"path":          c.FullPath(),
		"status":        httpErr.Status,
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"errorCategory": GetErrorCategory(stdErr.Code),
	})
}
