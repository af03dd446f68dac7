package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// createLimitHandler handles POST /v1/limits.
func (s *Server) createLimitHandler(c *echo.Context) error {
	var req models.CreateLimitRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	limit, err := s.limitService.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, limit)
}

// listLimitsHandler handles GET /v1/limits.
// With entity_type and entity_id, lists the limits of one entity; otherwise
// lists all limits.
func (s *Server) listLimitsHandler(c *echo.Context) error {
	entityType := c.QueryParam("entity_type")
	entityID := c.QueryParam("entity_id")

	if entityType == "" && entityID == "" {
		limits, err := s.limitService.List(c.Request().Context())
		if err != nil {
			return mapServiceError(c, err)
		}
		return c.JSON(http.StatusOK, limits)
	}

	if entityType == "" || entityID == "" {
		return apiError(c, http.StatusBadRequest, "entity_type and entity_id must be provided together")
	}
	et := models.EntityType(entityType)
	if !et.IsValid() {
		return apiError(c, http.StatusBadRequest, "invalid entity_type: must be agent, team, or organization")
	}

	limits, err := s.limitService.ListForEntity(c.Request().Context(), et, entityID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, limits)
}

// getLimitHandler handles GET /v1/limits/:id.
func (s *Server) getLimitHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "limit id is required")
	}

	limit, err := s.limitService.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, limit)
}

// updateLimitHandler handles PUT /v1/limits/:id.
// Only the ceiling and model may change; usage counters belong to the quota
// subsystem.
func (s *Server) updateLimitHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "limit id is required")
	}

	var req models.UpdateLimitRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	limit, err := s.limitService.Update(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, limit)
}

// deleteLimitHandler handles DELETE /v1/limits/:id.
func (s *Server) deleteLimitHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "limit id is required")
	}

	if err := s.limitService.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
