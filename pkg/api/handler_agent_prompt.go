package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// replaceAgentPromptsHandler handles PUT /v1/agents/:agentId/prompts.
// Atomically replaces the agent's prompt set: the system prompt (when given)
// lands at order 0 and the regular prompts follow in input order.
func (s *Server) replaceAgentPromptsHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return apiError(c, http.StatusBadRequest, "agent id is required")
	}

	var req models.ReplaceAgentPromptsRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	assignments, err := s.agentPromptService.ReplaceForAgent(c.Request().Context(), agentID, req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, assignments)
}

// listAgentPromptsHandler handles GET /v1/agents/:agentId/prompts.
func (s *Server) listAgentPromptsHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return apiError(c, http.StatusBadRequest, "agent id is required")
	}

	assignments, err := s.agentPromptService.ListForAgent(c.Request().Context(), agentID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, assignments)
}
