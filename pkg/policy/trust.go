package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// NoMatchReason is recorded when a tool result matches no trust policy.
// A (trusted=false, blocked=false) classification means "consult the tool's
// dataIsTrustedByDefault flag", which the dual-LLM evaluator does.
const NoMatchReason = "content does not match any trust policies"

// ToolStore resolves tool rows by agent and name.
type ToolStore interface {
	GetByName(ctx context.Context, agentID, name string) (*models.Tool, error)
}

// PolicyStore resolves the policies governing an agent's tools.
type PolicyStore interface {
	ListTrustedDataPoliciesForAgentTool(ctx context.Context, agentID, toolID string) ([]*models.TrustedDataPolicy, error)
	ListToolInvocationPoliciesForAgentTool(ctx context.Context, agentID, toolName string) ([]*models.ToolInvocationPolicy, error)
}

// InteractionStore persists classifications and reconstructs per-chat state.
type InteractionStore interface {
	Create(ctx context.Context, req models.CreateInteractionRequest) (*models.Interaction, error)
	FindToolCall(ctx context.Context, chatID, toolCallID string) (*llm.ToolCall, error)
	ListToolResults(ctx context.Context, chatID string) ([]*models.Interaction, error)
}

// Engine evaluates trusted-data and tool-invocation policies for one agent's
// conversations.
type Engine struct {
	tools        ToolStore
	policies     PolicyStore
	interactions InteractionStore
}

// NewEngine creates a policy engine over the given stores
func NewEngine(tools ToolStore, policies PolicyStore, interactions InteractionStore) *Engine {
	return &Engine{
		tools:        tools,
		policies:     policies,
		interactions: interactions,
	}
}

// Classification is the outcome of evaluating one tool message.
// (Trusted, Blocked) is one of (true,false), (false,true) or (false,false);
// the last means no policy matched and downstream consumers fall back to the
// tool's default trust flag, surfaced here as TrustedByDefault.
type Classification struct {
	ToolCallID       string
	ToolName         string
	ToolID           string
	Trusted          bool
	Blocked          bool
	Reason           string
	TrustedByDefault bool
	PolicyCount      int
}

// EvaluatePolicies classifies every tool message in the conversation and
// persists one interaction per classification. Tool messages that cannot be
// resolved to a prior assistant tool call are skipped with a warning; they
// indicate a malformed conversation.
func (e *Engine) EvaluatePolicies(ctx context.Context, agentID, chatID string, messages []llm.ConversationMessage) ([]Classification, error) {
	var classifications []Classification

	for _, msg := range messages {
		if msg.Role != llm.RoleTool {
			continue
		}

		call, ok := e.resolveToolCall(ctx, chatID, messages, msg.ToolCallID)
		if !ok {
			slog.Warn("Tool message has no matching assistant tool call, skipping",
				"agent_id", agentID, "chat_id", chatID, "tool_call_id", msg.ToolCallID)
			continue
		}

		classification, err := e.classify(ctx, agentID, call, msg.Content)
		if err != nil {
			return nil, err
		}
		classification.ToolCallID = msg.ToolCallID

		if err := e.persistClassification(ctx, agentID, chatID, msg, classification); err != nil {
			return nil, err
		}

		classifications = append(classifications, classification)
	}

	return classifications, nil
}

// resolveToolCall finds the assistant tool call that produced a tool message,
// first in the request's own messages, then in the chat's persisted history.
func (e *Engine) resolveToolCall(ctx context.Context, chatID string, messages []llm.ConversationMessage, toolCallID string) (llm.ToolCall, bool) {
	if toolCallID == "" {
		return llm.ToolCall{}, false
	}

	if call, ok := llm.FindToolCall(messages, toolCallID); ok {
		return call, true
	}

	if chatID == "" {
		return llm.ToolCall{}, false
	}
	call, err := e.interactions.FindToolCall(ctx, chatID, toolCallID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			slog.Warn("Failed to look up tool call in chat history",
				"chat_id", chatID, "tool_call_id", toolCallID, "error", err)
		}
		return llm.ToolCall{}, false
	}

	return *call, true
}

// classify runs the policy split for one tool result: block_always policies
// first (fail-closed), then mark_as_trusted, then the no-match default.
func (e *Engine) classify(ctx context.Context, agentID string, call llm.ToolCall, content string) (Classification, error) {
	classification := Classification{
		ToolName: call.Name,
		Reason:   NoMatchReason,
	}

	tool, err := e.tools.GetByName(ctx, agentID, call.Name)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return Classification{}, fmt.Errorf("failed to resolve tool %q: %w", call.Name, err)
		}
		slog.Warn("Tool result references a tool not recorded for agent",
			"agent_id", agentID, "tool_name", call.Name)
		return classification, nil
	}
	classification.ToolID = tool.ID
	classification.TrustedByDefault = tool.DataIsTrustedByDefault

	policies, err := e.policies.ListTrustedDataPoliciesForAgentTool(ctx, agentID, tool.ID)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to list trusted-data policies: %w", err)
	}
	classification.PolicyCount = len(policies)

	value := parseToolContent(content)

	var blockPolicies, trustPolicies []*models.TrustedDataPolicy
	for _, p := range policies {
		if p.Action == models.TrustActionBlockAlways {
			blockPolicies = append(blockPolicies, p)
		} else {
			trustPolicies = append(trustPolicies, p)
		}
	}

	for _, p := range blockPolicies {
		if matched, _ := Evaluate(value, p.AttributePath, p.Operator, p.Value); matched {
			classification.Blocked = true
			classification.Reason = p.Description
			return classification, nil
		}
	}

	for _, p := range trustPolicies {
		if matched, _ := Evaluate(value, p.AttributePath, p.Operator, p.Value); matched {
			classification.Trusted = true
			classification.Reason = p.Description
			return classification, nil
		}
	}

	return classification, nil
}

// parseToolContent decodes tool-result content as JSON when possible,
// otherwise treats it as a single scalar at the root.
func parseToolContent(content string) any {
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return content
	}
	return value
}

// persistClassification records one tool_result interaction for a classified
// tool message.
func (e *Engine) persistClassification(ctx context.Context, agentID, chatID string, msg llm.ConversationMessage, c Classification) error {
	envelope, err := msg.Envelope()
	if err != nil {
		return fmt.Errorf("failed to encode tool message: %w", err)
	}

	reason := c.Reason
	req := models.CreateInteractionRequest{
		AgentID: agentID,
		Type:    models.InteractionTypeToolResult,
		Content: envelope,
		Trusted: c.Trusted,
		Blocked: c.Blocked,
		Reason:  &reason,
	}
	if chatID != "" {
		req.ChatID = &chatID
	}

	if _, err := e.interactions.Create(ctx, req); err != nil {
		return fmt.Errorf("failed to persist classification: %w", err)
	}

	return nil
}

// FilterOutBlockedData returns the conversation without tool messages whose
// persisted classification is blocked. Non-tool messages and unclassified
// tool messages pass through in their original order.
func (e *Engine) FilterOutBlockedData(ctx context.Context, chatID string, messages []llm.ConversationMessage) ([]llm.ConversationMessage, error) {
	if chatID == "" {
		return messages, nil
	}

	results, err := e.interactions.ListToolResults(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool classifications: %w", err)
	}

	// Later classifications win: the rows arrive in creation order.
	blocked := make(map[string]bool)
	for _, in := range results {
		var envelope struct {
			ToolCallID string `json:"tool_call_id"`
		}
		if err := json.Unmarshal(in.Content, &envelope); err != nil || envelope.ToolCallID == "" {
			continue
		}
		blocked[envelope.ToolCallID] = in.Blocked
	}

	filtered := make([]llm.ConversationMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleTool && blocked[msg.ToolCallID] {
			slog.Info("Dropping blocked tool message from outbound conversation",
				"chat_id", chatID, "tool_call_id", msg.ToolCallID)
			continue
		}
		filtered = append(filtered, msg)
	}

	return filtered, nil
}
