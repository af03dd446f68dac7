package config

import "time"

// QuotaConfig contains quota updater and reset sweep configuration.
type QuotaConfig struct {
	// UpdateWorkerCount is the number of goroutines draining the usage
	// update queue.
	UpdateWorkerCount int

	// UpdateQueueSize bounds the usage update queue. Enqueue never blocks a
	// request: when the queue is full the update is logged and dropped.
	UpdateQueueSize int

	// DrainTimeout is the max time to wait for queued updates to flush
	// during shutdown.
	DrainTimeout time.Duration

	// SweepInterval is how often the background sweep checks organizations
	// for limits whose usage counters are due a reset.
	SweepInterval time.Duration
}

// DefaultQuotaConfig returns the built-in quota defaults.
func DefaultQuotaConfig() *QuotaConfig {
	return &QuotaConfig{
		UpdateWorkerCount: 2,
		UpdateQueueSize:   256,
		DrainTimeout:      10 * time.Second,
		SweepInterval:     time.Minute,
	}
}

// LoadQuotaConfigFromEnv returns the quota defaults with environment
// overrides applied.
func LoadQuotaConfigFromEnv() *QuotaConfig {
	cfg := DefaultQuotaConfig()
	cfg.UpdateWorkerCount = getIntOrDefault("QUOTA_UPDATE_WORKERS", cfg.UpdateWorkerCount)
	cfg.UpdateQueueSize = getIntOrDefault("QUOTA_UPDATE_QUEUE_SIZE", cfg.UpdateQueueSize)
	cfg.DrainTimeout = getDurationOrDefault("QUOTA_DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.SweepInterval = getDurationOrDefault("QUOTA_SWEEP_INTERVAL", cfg.SweepInterval)
	return cfg
}

// Validate checks quota configuration consistency.
func (c *QuotaConfig) Validate() error {
	if c.UpdateWorkerCount < 1 {
		return &ValidationError{Component: "quota", Field: "update_workers", Err: ErrInvalidValue}
	}
	if c.UpdateQueueSize < 1 {
		return &ValidationError{Component: "quota", Field: "update_queue_size", Err: ErrInvalidValue}
	}
	if c.SweepInterval <= 0 {
		return &ValidationError{Component: "quota", Field: "sweep_interval", Err: ErrInvalidValue}
	}
	return nil
}
