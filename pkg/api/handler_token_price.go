package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// upsertTokenPriceHandler handles PUT /v1/token-prices.
// Prices feed the dollar conversion of model-scoped limits; updating a price
// affects subsequent quota checks only.
func (s *Server) upsertTokenPriceHandler(c *echo.Context) error {
	var req models.UpsertTokenPriceRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	price, err := s.tokenPriceService.Upsert(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, price)
}

// listTokenPricesHandler handles GET /v1/token-prices.
func (s *Server) listTokenPricesHandler(c *echo.Context) error {
	prices, err := s.tokenPriceService.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, prices)
}
