package models

import "time"

// CleanupInterval defines how often an organization's limit usage counters
// are eligible for reset.
type CleanupInterval string

const (
	CleanupIntervalHour      CleanupInterval = "1h"
	CleanupIntervalHalfDay   CleanupInterval = "12h"
	CleanupIntervalDay       CleanupInterval = "24h"
	CleanupIntervalWeek      CleanupInterval = "1w"
	CleanupIntervalMonth     CleanupInterval = "1m"
	DefaultCleanupInterval                   = CleanupIntervalHour
)

// IsValid checks if the cleanup interval is valid.
func (i CleanupInterval) IsValid() bool {
	switch i {
	case CleanupIntervalHour, CleanupIntervalHalfDay, CleanupIntervalDay,
		CleanupIntervalWeek, CleanupIntervalMonth:
		return true
	default:
		return false
	}
}

// Duration returns the interval as a time.Duration. A month is approximated
// as 30 days; the reset sweep only needs a staleness threshold, not calendar
// arithmetic.
func (i CleanupInterval) Duration() time.Duration {
	switch i {
	case CleanupIntervalHour:
		return time.Hour
	case CleanupIntervalHalfDay:
		return 12 * time.Hour
	case CleanupIntervalDay:
		return 24 * time.Hour
	case CleanupIntervalWeek:
		return 7 * 24 * time.Hour
	case CleanupIntervalMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Organization is the top quota scope and the owner of prompts.
type Organization struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	AdminEmail           string          `json:"admin_email"`
	LimitCleanupInterval CleanupInterval `json:"limit_cleanup_interval"`
	CreatedAt            time.Time       `json:"created_at"`
}
