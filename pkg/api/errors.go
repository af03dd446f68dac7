package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/services"
)

// Admin error envelope types.
const (
	errTypeAPI        = "api_error"
	errTypeNotFound   = "not_found"
	errTypeValidation = "validation_error"
	errTypeRateLimit  = "rate_limited"
)

// ErrorResponse is the admin-surface error envelope. The provider-compatible
// completion routes keep their provider-native envelopes; everything under
// the admin surface uses this shape.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message and its classification.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// errorType classifies an HTTP status into an envelope type.
func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return errTypeNotFound
	case status == http.StatusTooManyRequests:
		return errTypeRateLimit
	case status >= 400 && status < 500:
		return errTypeValidation
	default:
		return errTypeAPI
	}
}

// apiError writes the admin error envelope for the given status.
func apiError(c *echo.Context, status int, message string) error {
	return c.JSON(status, &ErrorResponse{
		Error: ErrorDetail{Message: message, Type: errorType(status)},
	})
}

// mapServiceError maps service-layer errors onto the admin error envelope.
func mapServiceError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return apiError(c, http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return apiError(c, http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return apiError(c, http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return apiError(c, http.StatusConflict, "resource was modified concurrently, retry the request")
	}
	if errors.Is(err, services.ErrInvalidInput) {
		return apiError(c, http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return apiError(c, http.StatusInternalServerError, "internal server error")
}
