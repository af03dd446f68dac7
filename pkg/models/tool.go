package models

import (
	"encoding/json"
	"time"
)

// Tool is a named capability an agent's model may invoke, backed by an MCP
// endpoint. Tools are upserted by (agent_id, name); re-declaring a tool never
// changes its trust defaults.
type Tool struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// AllowUsageWhenUntrustedDataIsPresent permits invoking this tool even
	// when the conversation context is untrusted.
	AllowUsageWhenUntrustedDataIsPresent bool `json:"allow_usage_when_untrusted_data_is_present"`

	// DataIsTrustedByDefault marks this tool's results trusted when no
	// trusted-data policy matches them.
	DataIsTrustedByDefault bool `json:"data_is_trusted_by_default"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertToolRequest contains fields for declaring a tool on an agent.
// Trust defaults apply only on first insert.
type UpsertToolRequest struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	AllowUsageWhenUntrustedDataIsPresent bool `json:"allow_usage_when_untrusted_data_is_present"`
	DataIsTrustedByDefault               bool `json:"data_is_trusted_by_default"`
}
