package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/database"
	"github.com/guptadeepak8/archestra/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only the gateway's own database is probed. Upstream providers and MCP
// servers are excluded so an external outage cannot make an orchestrator
// restart the gateway.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	dbCheck := HealthCheck{
		Status:    healthStatusHealthy,
		LatencyMS: dbHealth.LatencyMS,
		Pool:      &dbHealth.Pool,
	}
	if err != nil {
		status = healthStatusUnhealthy
		dbCheck.Status = healthStatusUnhealthy
		dbCheck.Message = err.Error()
	}
	checks["database"] = dbCheck

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
