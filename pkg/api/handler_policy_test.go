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

func TestCreateTrustedDataPolicyHandler_Validation(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/trusted-data-policies", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.createTrustedDataPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "validation_error", envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "invalid request body")
}

func TestGetTrustedDataPolicyHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/trusted-data-policies/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.getTrustedDataPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Contains(t, envelope.Error.Message, "policy id is required")
}

func TestAssignTrustedDataPolicyHandler_MissingParams(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/agents//trusted-data-policies/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.assignTrustedDataPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Contains(t, envelope.Error.Message, "agent id and policy id are required")
}

func TestUnassignTrustedDataPolicyHandler_MissingParams(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/v1/agents//trusted-data-policies/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.unassignTrustedDataPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateToolInvocationPolicyHandler_Validation(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/tool-invocation-policies", strings.NewReader(`[]extra`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.createToolInvocationPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "validation_error", envelope.Error.Type)
}

func TestListToolInvocationPoliciesHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name  string
		query string
	}{
		{name: "agent_id without tool_name", query: "agent_id=agent-1"},
		{name: "tool_name without agent_id", query: "tool_name=search"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1/tool-invocation-policies?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, s.listToolInvocationPoliciesHandler(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
			assert.Contains(t, envelope.Error.Message, "provided together")
		})
	}
}

func TestDeleteToolInvocationPolicyHandler_MissingID(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/v1/tool-invocation-policies/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.deleteToolInvocationPolicyHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
