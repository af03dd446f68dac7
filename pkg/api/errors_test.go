package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guptadeepak8/archestra/pkg/services"
)

func decodeErrorEnvelope(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectType string
		expectMsg  string
	}{
		{
			name:       "validation error maps to 400",
			err:        services.NewValidationError("name", "missing field"),
			expectCode: http.StatusBadRequest,
			expectType: "validation_error",
			expectMsg:  "missing field",
		},
		{
			name:       "not found maps to 404",
			err:        fmt.Errorf("wrapped: %w", services.ErrNotFound),
			expectCode: http.StatusNotFound,
			expectType: "not_found",
			expectMsg:  "resource not found",
		},
		{
			name:       "already exists maps to 409",
			err:        fmt.Errorf("wrapped: %w", services.ErrAlreadyExists),
			expectCode: http.StatusConflict,
			expectType: "validation_error",
			expectMsg:  "resource already exists",
		},
		{
			name:       "concurrent modification maps to 409",
			err:        services.ErrConcurrentModification,
			expectCode: http.StatusConflict,
			expectType: "validation_error",
			expectMsg:  "modified concurrently",
		},
		{
			name:       "invalid input maps to 400",
			err:        fmt.Errorf("%w: bad field", services.ErrInvalidInput),
			expectCode: http.StatusBadRequest,
			expectType: "validation_error",
			expectMsg:  "invalid input",
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectType: "api_error",
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, mapServiceError(c, tt.err))
			assert.Equal(t, tt.expectCode, rec.Code)

			envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
			assert.Equal(t, tt.expectType, envelope.Error.Type)
			assert.Contains(t, envelope.Error.Message, tt.expectMsg)
		})
	}
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "validation_error", errorType(http.StatusBadRequest))
	assert.Equal(t, "validation_error", errorType(http.StatusConflict))
	assert.Equal(t, "not_found", errorType(http.StatusNotFound))
	assert.Equal(t, "rate_limited", errorType(http.StatusTooManyRequests))
	assert.Equal(t, "api_error", errorType(http.StatusInternalServerError))
	assert.Equal(t, "api_error", errorType(http.StatusBadGateway))
}
