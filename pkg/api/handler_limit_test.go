package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLimitHandler_Validation(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/limits", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.createLimitHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "validation_error", envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "invalid request body")
}

func TestListLimitsHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{
			name:   "entity_type without entity_id",
			query:  "entity_type=agent",
			errMsg: "provided together",
		},
		{
			name:   "entity_id without entity_type",
			query:  "entity_id=agent-1",
			errMsg: "provided together",
		},
		{
			name:   "unknown entity_type",
			query:  "entity_type=project&entity_id=p-1",
			errMsg: "invalid entity_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1/limits?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, s.listLimitsHandler(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
			assert.Equal(t, "validation_error", envelope.Error.Type)
			assert.Contains(t, envelope.Error.Message, tt.errMsg)
		})
	}
}

func TestGetLimitHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/limits/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.getLimitHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Contains(t, envelope.Error.Message, "limit id is required")
}

func TestUpdateLimitHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/v1/limits/", strings.NewReader(`{"limit_value":10}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.updateLimitHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteLimitHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/v1/limits/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.deleteLimitHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
