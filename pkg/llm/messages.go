// Package llm defines the provider-neutral conversation shape the policy
// engine, quarantine evaluator, and proxy orchestrators exchange. Both
// provider surfaces convert their native messages into this shape before
// trust evaluation and back out before forwarding upstream.
package llm

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is the internal message type.
type ConversationMessage struct {
	Role       string     // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // For assistant messages
	ToolCallID string     // For tool result messages
	ToolName   string     // For tool result messages
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema json.RawMessage // JSON Schema
}

// ToolCall represents a model's request to call a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolResult carries the outcome of one managed tool execution. Execution
// failures are reported as error content, not Go errors, so the model sees
// them and can react.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Usage reports token consumption for one upstream call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// envelope mirrors the OpenAI chat message wire shape used for persisted
// interaction content.
type envelope struct {
	Role       string             `json:"role"`
	Content    string             `json:"content"`
	ToolCalls  []envelopeToolCall `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Name       string             `json:"name,omitempty"`
}

type envelopeToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function envelopeFunction `json:"function"`
}

type envelopeFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Envelope renders the message as a role-tagged JSON envelope in the OpenAI
// message shape. This is the form persisted on interaction records.
func (m ConversationMessage) Envelope() (json.RawMessage, error) {
	env := envelope{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Name:       m.ToolName,
	}
	for _, tc := range m.ToolCalls {
		env.ToolCalls = append(env.ToolCalls, envelopeToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: envelopeFunction{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return json.Marshal(env)
}

// LastUserQuestion returns the content of the most recent user message, or
// "" when the conversation has none.
func LastUserQuestion(messages []ConversationMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// FindToolCall scans assistant messages for a tool call with the given ID
// and returns it. Used to resolve a tool result back to the tool that
// produced it without a repository round-trip.
func FindToolCall(messages []ConversationMessage, toolCallID string) (ToolCall, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleAssistant {
			continue
		}
		for _, tc := range messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc, true
			}
		}
	}
	return ToolCall{}, false
}
