package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListInteractionsHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{
			name:   "limit not a number",
			query:  "limit=abc",
			errMsg: "invalid limit",
		},
		{
			name:   "limit of zero",
			query:  "limit=0",
			errMsg: "invalid limit",
		},
		{
			name:   "limit above cap",
			query:  "limit=5000",
			errMsg: "invalid limit",
		},
		{
			name:   "negative offset",
			query:  "offset=-1",
			errMsg: "invalid offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1/interactions?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, s.listInteractionsHandler(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
			assert.Equal(t, "validation_error", envelope.Error.Type)
			assert.Contains(t, envelope.Error.Message, tt.errMsg)
		})
	}
}

func TestGetInteractionHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/interactions/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.getInteractionHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Contains(t, envelope.Error.Message, "interaction id is required")
}
