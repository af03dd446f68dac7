package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// createTrustedDataPolicyHandler handles POST /v1/trusted-data-policies.
func (s *Server) createTrustedDataPolicyHandler(c *echo.Context) error {
	var req models.CreateTrustedDataPolicyRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	policy, err := s.policyService.CreateTrustedDataPolicy(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, policy)
}

// listTrustedDataPoliciesHandler handles GET /v1/trusted-data-policies.
func (s *Server) listTrustedDataPoliciesHandler(c *echo.Context) error {
	policies, err := s.policyService.ListTrustedDataPolicies(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, policies)
}

// getTrustedDataPolicyHandler handles GET /v1/trusted-data-policies/:id.
func (s *Server) getTrustedDataPolicyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "policy id is required")
	}

	policy, err := s.policyService.GetTrustedDataPolicy(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, policy)
}

// deleteTrustedDataPolicyHandler handles DELETE /v1/trusted-data-policies/:id.
// Assignments cascade away with the policy.
func (s *Server) deleteTrustedDataPolicyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "policy id is required")
	}

	if err := s.policyService.DeleteTrustedDataPolicy(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// assignTrustedDataPolicyHandler handles
// POST /v1/agents/:agentId/trusted-data-policies/:policyId.
// Policies only take effect on agents that opted in through an assignment.
func (s *Server) assignTrustedDataPolicyHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	policyID := c.Param("policyId")
	if agentID == "" || policyID == "" {
		return apiError(c, http.StatusBadRequest, "agent id and policy id are required")
	}

	if err := s.policyService.AssignTrustedDataPolicy(c.Request().Context(), agentID, policyID); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, &AssignmentResponse{AgentID: agentID, PolicyID: policyID})
}

// unassignTrustedDataPolicyHandler handles
// DELETE /v1/agents/:agentId/trusted-data-policies/:policyId.
func (s *Server) unassignTrustedDataPolicyHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	policyID := c.Param("policyId")
	if agentID == "" || policyID == "" {
		return apiError(c, http.StatusBadRequest, "agent id and policy id are required")
	}

	if err := s.policyService.UnassignTrustedDataPolicy(c.Request().Context(), agentID, policyID); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// createToolInvocationPolicyHandler handles POST /v1/tool-invocation-policies.
func (s *Server) createToolInvocationPolicyHandler(c *echo.Context) error {
	var req models.CreateToolInvocationPolicyRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	policy, err := s.policyService.CreateToolInvocationPolicy(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, policy)
}

// listToolInvocationPoliciesHandler handles GET /v1/tool-invocation-policies.
// With agent_id and tool_name, narrows to the policies gating that tool.
func (s *Server) listToolInvocationPoliciesHandler(c *echo.Context) error {
	agentID := c.QueryParam("agent_id")
	toolName := c.QueryParam("tool_name")

	if agentID == "" && toolName == "" {
		policies, err := s.policyService.ListToolInvocationPolicies(c.Request().Context())
		if err != nil {
			return mapServiceError(c, err)
		}
		return c.JSON(http.StatusOK, policies)
	}

	if agentID == "" || toolName == "" {
		return apiError(c, http.StatusBadRequest, "agent_id and tool_name must be provided together")
	}

	policies, err := s.policyService.ListToolInvocationPoliciesForAgentTool(c.Request().Context(), agentID, toolName)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, policies)
}

// getToolInvocationPolicyHandler handles GET /v1/tool-invocation-policies/:id.
func (s *Server) getToolInvocationPolicyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "policy id is required")
	}

	policy, err := s.policyService.GetToolInvocationPolicy(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, policy)
}

// deleteToolInvocationPolicyHandler handles DELETE /v1/tool-invocation-policies/:id.
func (s *Server) deleteToolInvocationPolicyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "policy id is required")
	}

	if err := s.policyService.DeleteToolInvocationPolicy(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
