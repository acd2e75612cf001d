// Package api holds the JSON error envelope shared by all HTTP handlers.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
)

// ErrorResponse wraps ErrorDetails with a success flag
type ErrorResponse struct {
	Error   ErrorDetails `json:"error"`
	Success bool         `json:"success"`
}

// ErrorDetails is the body of a failed response
type ErrorDetails struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	UserMessage string                 `json:"user_message,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// Error codes for failures that are not compression errors
const (
	CodeValidation = "validation_error"
	CodeInternal   = "internal_error"
)

var kindStatus = map[cerrors.Kind]int{
	cerrors.KindInvalidInput:           http.StatusBadRequest,
	cerrors.KindSizeExceeded:           http.StatusRequestEntityTooLarge,
	cerrors.KindEnvironmentUnsupported: http.StatusServiceUnavailable,
	cerrors.KindAssetLoadFailed:        http.StatusBadGateway,
	cerrors.KindEngineLoadTimeout:      http.StatusGatewayTimeout,
	cerrors.KindExecTimeout:            http.StatusGatewayTimeout,
}

// StatusFor maps a compression error kind to an HTTP status
func StatusFor(kind cerrors.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondWithError writes err with the status its kind maps to
func RespondWithError(c *gin.Context, logger hclog.Logger, err error) {
	requestID := c.GetHeader("X-Request-ID")

	var cErr *cerrors.CompressionError
	if errors.As(err, &cErr) {
		status := StatusFor(cErr.Kind)
		logger.Warn("request failed", "kind", cErr.Kind, "op", cErr.Op, "error", err, "request_id", requestID)
		c.JSON(status, ErrorResponse{
			Error: ErrorDetails{
				Code:        string(cErr.Kind),
				Message:     cErr.Error(),
				UserMessage: cErr.UserMessage(),
				Context:     cErr.Details,
				RequestID:   requestID,
			},
		})
		return
	}

	logger.Error("unstructured error", "error", err, "request_id", requestID)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: ErrorDetails{
			Code:      CodeInternal,
			Message:   err.Error(),
			RequestID: requestID,
		},
	})
}

// RespondWithValidationError sends a 400 for a malformed request
func RespondWithValidationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetails{
			Code:      CodeValidation,
			Message:   message,
			RequestID: c.GetHeader("X-Request-ID"),
		},
	})
}

// ErrorMiddleware recovers from panics and answers with an internal error
func ErrorMiddleware(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				var err error
				switch v := r.(type) {
				case error:
					err = v
				case string:
					err = errors.New(v)
				default:
					err = fmt.Errorf("panic: %v", v)
				}

				logger.Error("panic recovered",
					"error", err,
					"request_path", c.Request.URL.Path,
					"request_method", c.Request.Method,
				)
				RespondWithError(c, logger, err)
				c.Abort()
			}
		}()

		c.Next()
	}
}
