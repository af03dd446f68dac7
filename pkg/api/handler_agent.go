package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listAgentsHandler handles GET /v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.agentService.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

// getAgentHandler handles GET /v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "agent id is required")
	}

	agent, err := s.agentService.GetByID(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// listAgentToolsHandler handles GET /v1/agents/:id/tools.
func (s *Server) listAgentToolsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "agent id is required")
	}

	tools, err := s.toolService.ListForAgent(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, tools)
}

// updateToolTrustHandler handles PATCH /v1/agents/:id/tools/:toolName/trust.
// Trust flags are the only tool fields an admin can change; declarations
// arriving through the proxy never touch them.
func (s *Server) updateToolTrustHandler(c *echo.Context) error {
	agentID := c.Param("id")
	toolName := c.Param("toolName")
	if agentID == "" || toolName == "" {
		return apiError(c, http.StatusBadRequest, "agent id and tool name are required")
	}

	var req UpdateToolTrustRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	tool, err := s.toolService.UpdateTrustFlags(c.Request().Context(), agentID, toolName,
		req.AllowUsageWhenUntrustedDataIsPresent, req.DataIsTrustedByDefault)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, tool)
}
