package api

import "github.com/guptadeepak8/archestra/pkg/database"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the result of one component probe.
type HealthCheck struct {
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	LatencyMS int64               `json:"latency_ms,omitempty"`
	Pool      *database.PoolStats `json:"pool,omitempty"`
}

// AssignmentResponse is returned by the policy assignment routes.
type AssignmentResponse struct {
	AgentID  string `json:"agent_id"`
	PolicyID string `json:"policy_id"`
}
