package models

import "time"

// PromptType defines the kind of prompt attached to an agent.
type PromptType string

const (
	// PromptTypeSystem is the single system prompt for an agent (order 0).
	PromptTypeSystem PromptType = "system"
	// PromptTypeRegular is an ordinary prompt appended after the system prompt.
	PromptTypeRegular PromptType = "regular"
)

// IsValid checks if the prompt type is valid.
func (t PromptType) IsValid() bool {
	return t == PromptTypeSystem || t == PromptTypeRegular
}

// Prompt is one version of a named prompt. Updating a prompt deactivates the
// current row and inserts a new one with version+1 and parent_prompt_id set;
// exactly one row per (org_id, name, type) has is_active=true.
type Prompt struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Name           string     `json:"name"`
	Type           PromptType `json:"type"`
	Content        string     `json:"content"`
	Version        int        `json:"version"`
	ParentPromptID *string    `json:"parent_prompt_id,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreatePromptRequest contains fields for creating a prompt (version 1).
type CreatePromptRequest struct {
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	Type      PromptType `json:"type"`
	Content   string     `json:"content"`
	CreatedBy string     `json:"created_by"`
}

// UpdatePromptRequest contains fields for publishing a new prompt version.
type UpdatePromptRequest struct {
	Content   string `json:"content"`
	CreatedBy string `json:"created_by"`
}

// PromptFilters contains filtering options for listing prompts.
type PromptFilters struct {
	OrgID      string     `json:"org_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Type       PromptType `json:"type,omitempty"`
	ActiveOnly bool       `json:"active_only,omitempty"`
}

// AgentPrompt binds a prompt version to an agent at a position. The system
// prompt, when present, is stored at order 0; regular prompts follow in
// input order.
type AgentPrompt struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	PromptID string `json:"prompt_id"`
	Order    int    `json:"order"`
}

// ReplaceAgentPromptsRequest is the atomic replacement input for an agent's
// prompt set.
type ReplaceAgentPromptsRequest struct {
	SystemPromptID   *string  `json:"system_prompt_id,omitempty"`
	RegularPromptIDs []string `json:"regular_prompt_ids,omitempty"`
}
