package models

import "time"

// EntityType defines the scope a limit applies to. Pre-check resolution
// walks agent → team → organization; the narrowest exceeded scope wins.
type EntityType string

const (
	EntityTypeAgent        EntityType = "agent"
	EntityTypeTeam         EntityType = "team"
	EntityTypeOrganization EntityType = "organization"
)

// IsValid checks if the entity type is valid.
func (t EntityType) IsValid() bool {
	return t == EntityTypeAgent || t == EntityTypeTeam || t == EntityTypeOrganization
}

// LimitTypeTokenCost is the only limit type currently enforced. Without a
// model the limit value is a raw token count; with a model it is a dollar
// amount converted through TokenPrice.
const LimitTypeTokenCost = "token_cost"

// Limit is a usage ceiling for one entity. Usage counters are mutated only
// by the quota subsystem: atomic increments after completed interactions and
// idempotent resets guarded by last_cleanup.
type Limit struct {
	ID                    string     `json:"id"`
	EntityType            EntityType `json:"entity_type"`
	EntityID              string     `json:"entity_id"`
	LimitType             string     `json:"limit_type"`
	Model                 *string    `json:"model,omitempty"`
	LimitValue            float64    `json:"limit_value"`
	CurrentUsageTokensIn  int64      `json:"current_usage_tokens_in"`
	CurrentUsageTokensOut int64      `json:"current_usage_tokens_out"`
	LastCleanup           *time.Time `json:"last_cleanup,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// CreateLimitRequest contains fields for creating a limit.
type CreateLimitRequest struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Model      *string    `json:"model,omitempty"`
	LimitValue float64    `json:"limit_value"`
}

// UpdateLimitRequest contains fields for updating a limit's ceiling.
type UpdateLimitRequest struct {
	Model      *string  `json:"model,omitempty"`
	LimitValue *float64 `json:"limit_value,omitempty"`
}

// TokenPrice translates accumulated tokens into dollars for model-scoped
// limits.
type TokenPrice struct {
	Model                 string    `json:"model"`
	PricePerMillionInput  float64   `json:"price_per_million_input"`
	PricePerMillionOutput float64   `json:"price_per_million_output"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// UpsertTokenPriceRequest contains fields for setting a model's token prices.
type UpsertTokenPriceRequest struct {
	Model                 string  `json:"model"`
	PricePerMillionInput  float64 `json:"price_per_million_input"`
	PricePerMillionOutput float64 `json:"price_per_million_output"`
}
