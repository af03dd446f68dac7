package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// createPromptHandler handles POST /v1/prompts.
// Creates version 1 of a named prompt; the new version is immediately active.
func (s *Server) createPromptHandler(c *echo.Context) error {
	var req models.CreatePromptRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	prompt, err := s.promptService.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, prompt)
}

// listPromptsHandler handles GET /v1/prompts.
// Filters: org_id, name, type, active_only.
func (s *Server) listPromptsHandler(c *echo.Context) error {
	filters := models.PromptFilters{
		OrgID: c.QueryParam("org_id"),
		Name:  c.QueryParam("name"),
	}

	if v := c.QueryParam("type"); v != "" {
		pt := models.PromptType(v)
		if !pt.IsValid() {
			return apiError(c, http.StatusBadRequest, "invalid type: must be system or regular")
		}
		filters.Type = pt
	}
	if v := c.QueryParam("active_only"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return apiError(c, http.StatusBadRequest, "invalid active_only: must be a boolean")
		}
		filters.ActiveOnly = active
	}

	prompts, err := s.promptService.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, prompts)
}

// getPromptHandler handles GET /v1/prompts/:id.
func (s *Server) getPromptHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "prompt id is required")
	}

	prompt, err := s.promptService.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, prompt)
}

// updatePromptHandler handles PUT /v1/prompts/:id.
// Publishes a new version of the addressed prompt's lineage: the active
// version is deactivated and the new content becomes active with version+1.
func (s *Server) updatePromptHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "prompt id is required")
	}

	var req models.UpdatePromptRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	prompt, err := s.promptService.Update(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, prompt)
}

// deletePromptHandler handles DELETE /v1/prompts/:id.
// Active versions cannot be deleted.
func (s *Server) deletePromptHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "prompt id is required")
	}

	if err := s.promptService.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
