package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// EvaluateToolInvocation gates the model's proposed tool calls. Rules, in
// order per call: an invocation policy requiring trusted context refuses when
// the context is untrusted; a block_always policy refuses unconditionally;
// finally, a tool that does not allow usage when untrusted data is present
// refuses in an untrusted context. The first refusal short-circuits; nil
// means every call is allowed.
func (e *Engine) EvaluateToolInvocation(ctx context.Context, agentID string, calls []llm.ToolCall, contextTrusted bool) (*Refusal, error) {
	for _, call := range calls {
		policies, err := e.policies.ListToolInvocationPoliciesForAgentTool(ctx, agentID, call.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to list tool-invocation policies: %w", err)
		}

		for _, p := range policies {
			switch p.Action {
			case models.InvocationActionRequireTrustedContext:
				if !contextTrusted {
					return &Refusal{
						Type:   RefusalTypeToolInvocation,
						Tool:   call.Name,
						Reason: p.ID,
						Message: fmt.Sprintf(
							"Tool %q requires a trusted context, but this conversation contains untrusted content.",
							call.Name),
					}, nil
				}
			case models.InvocationActionBlockAlways:
				return &Refusal{
					Type:   RefusalTypeToolInvocation,
					Tool:   call.Name,
					Reason: p.ID,
					Message: fmt.Sprintf(
						"Tool %q is blocked by policy for this agent.", call.Name),
				}, nil
			}
		}

		if contextTrusted {
			continue
		}

		tool, err := e.tools.GetByName(ctx, agentID, call.Name)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to resolve tool %q: %w", call.Name, err)
		}
		if !tool.AllowUsageWhenUntrustedDataIsPresent {
			return &Refusal{
				Type:   RefusalTypeToolInvocation,
				Tool:   call.Name,
				Reason: "untrusted_context",
				Message: fmt.Sprintf(
					"Tool %q cannot be used while untrusted content is present in the conversation.",
					call.Name),
			}, nil
		}
	}

	return nil, nil
}
