package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// listInteractionsHandler handles GET /v1/interactions.
// Filters: agent_id, chat_id, type, limit, offset. Newest first.
func (s *Server) listInteractionsHandler(c *echo.Context) error {
	filters := models.InteractionFilters{
		AgentID: c.QueryParam("agent_id"),
		ChatID:  c.QueryParam("chat_id"),
		Type:    c.QueryParam("type"),
	}

	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 200 {
			return apiError(c, http.StatusBadRequest, "invalid limit: must be between 1 and 200")
		}
		filters.Limit = limit
	}
	if v := c.QueryParam("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return apiError(c, http.StatusBadRequest, "invalid offset: must be non-negative")
		}
		filters.Offset = offset
	}

	interactions, err := s.interactionService.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, interactions)
}

// getInteractionHandler handles GET /v1/interactions/:id.
func (s *Server) getInteractionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "interaction id is required")
	}

	interaction, err := s.interactionService.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, interaction)
}
