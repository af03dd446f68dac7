package models

import (
	"encoding/json"
	"time"
)

// Interaction type values. Completion interactions carry the full
// request/response pair; tool_result interactions carry the trust
// classification for one tool message; refusal interactions record a
// quota or invocation refusal returned instead of an upstream call.
const (
	InteractionTypeAnthropicMessages = "anthropic:messages"
	InteractionTypeAnthropicRefusal  = "anthropic:refusal"
	InteractionTypeOpenAICompletions = "openai:chat_completions"
	InteractionTypeOpenAIRefusal     = "openai:refusal"
	InteractionTypeToolResult        = "tool_result"
)

// Interaction is the atomic unit of audit: created exactly once per completed
// proxy request or classified tool message, never mutated.
type Interaction struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	ChatID       *string         `json:"chat_id,omitempty"`
	Type         string          `json:"type"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`

	// Content is a role-tagged envelope matching the OpenAI message shape
	// ({"role":..,"content":..,"tool_calls":..,"tool_call_id":..}).
	Content json.RawMessage `json:"content,omitempty"`

	Trusted   bool      `json:"trusted"`
	Blocked   bool      `json:"blocked"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateInteractionRequest contains fields for persisting an interaction.
type CreateInteractionRequest struct {
	AgentID      string          `json:"agent_id"`
	ChatID       *string         `json:"chat_id,omitempty"`
	Type         string          `json:"type"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Content      json.RawMessage `json:"content,omitempty"`
	Trusted      bool            `json:"trusted"`
	Blocked      bool            `json:"blocked"`
	Reason       *string         `json:"reason,omitempty"`
}

// InteractionFilters contains filtering options for listing interactions.
type InteractionFilters struct {
	AgentID string `json:"agent_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Type    string `json:"type,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}
