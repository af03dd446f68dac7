package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStats is a snapshot of connection pool pressure, taken alongside the
// health ping so the payload shows what the pool looked like at probe time.
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
	WaitMS    int64 `json:"wait_ms"`
	MaxOpen   int   `json:"max_open"`
}

// HealthStatus reports store connectivity for the health endpoint.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
}

// Health pings the store and snapshots pool statistics. The returned status
// carries the measured latency even when the ping fails.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	pingErr := db.PingContext(ctx)

	stats := db.Stats()
	status := &HealthStatus{
		Healthy:   pingErr == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			WaitCount: stats.WaitCount,
			WaitMS:    stats.WaitDuration.Milliseconds(),
			MaxOpen:   stats.MaxOpenConnections,
		},
	}

	return status, pingErr
}
