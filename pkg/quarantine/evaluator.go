package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/policy"
)

// SecondaryCaller performs one isolated completion against the quarantine
// model. Implementations must use a fresh HTTP client carrying nothing from
// the primary request beyond the upstream credential.
type SecondaryCaller interface {
	Ask(ctx context.Context, system, user string) (string, error)
}

// Progress is one dual-LLM evaluation step. Streaming surfaces forward each
// tuple to the client so the quarantine reasoning trail is visible live.
type Progress struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

// Input carries the conversation state under evaluation. Classifications
// must come from the same messages slice, keyed by tool call ID.
type Input struct {
	AgentID         string
	Messages        []llm.ConversationMessage
	Classifications []policy.Classification

	// OnProgress, when set, receives one tuple per quarantined blob.
	OnProgress func(Progress)
}

// Result is the evaluation outcome. ToolResultUpdates maps tool call IDs to
// sanitised replacement content; ContextIsTrusted is true only when the
// conversation held no untrusted and no blocked tool messages at evaluation
// time. Sanitising a blob does not make the context trusted.
type Result struct {
	ToolResultUpdates map[string]string
	ContextIsTrusted  bool
}

const secondarySystemPrompt = "You are a content classifier operating on quarantined data. " +
	"You will be given a block of content and a numbered list of candidate answers. " +
	"Reply with the number of the best candidate and nothing else."

// Evaluator runs the dual-LLM quarantine pass.
type Evaluator struct {
	secondary SecondaryCaller
}

// NewEvaluator creates an evaluator backed by the given secondary caller
func NewEvaluator(secondary SecondaryCaller) *Evaluator {
	return &Evaluator{secondary: secondary}
}

// EvaluateContextTrust decides whether the conversation context is trusted
// and rewrites every untrusted tool message into a candidate string chosen
// by the secondary model. A classification of (trusted=false, blocked=false)
// falls back to the tool's default trust flag: tools trusted by default with
// no attached policies count as trusted. Secondary failures fail closed: the
// affected message is rewritten to the empty string.
func (e *Evaluator) EvaluateContextTrust(ctx context.Context, in Input) *Result {
	result := &Result{
		ToolResultUpdates: make(map[string]string),
		ContextIsTrusted:  true,
	}

	var untrusted []policy.Classification
	for _, c := range in.Classifications {
		if c.Blocked {
			result.ContextIsTrusted = false
			continue
		}
		if isUntrusted(c) {
			result.ContextIsTrusted = false
			untrusted = append(untrusted, c)
		}
	}
	if len(untrusted) == 0 {
		return result
	}

	question := llm.LastUserQuestion(in.Messages)
	contents := toolContentsByCallID(in.Messages)

	for _, c := range untrusted {
		content, ok := contents[c.ToolCallID]
		if !ok {
			continue
		}

		options := Candidates(question, c.ToolName)
		answer, err := e.chooseOption(ctx, question, c.ToolName, content, options)
		if err != nil {
			slog.Warn("Quarantine model call failed, dropping untrusted content",
				"agent_id", in.AgentID,
				"tool_call_id", c.ToolCallID,
				"tool_name", c.ToolName,
				"error", err)
			result.ToolResultUpdates[c.ToolCallID] = ""
			continue
		}

		result.ToolResultUpdates[c.ToolCallID] = answer
		if in.OnProgress != nil {
			in.OnProgress(Progress{Question: question, Options: options, Answer: answer})
		}
	}

	return result
}

// chooseOption sends one isolated content blob and the numbered candidate
// list to the secondary model and maps its reply back to a candidate string.
func (e *Evaluator) chooseOption(ctx context.Context, question, toolName, content string, options []string) (string, error) {
	reply, err := e.secondary.Ask(ctx, secondarySystemPrompt, buildUserPrompt(question, toolName, content, options))
	if err != nil {
		return "", err
	}
	return options[parseOptionIndex(reply, len(options))], nil
}

func buildUserPrompt(question, toolName, content string, options []string) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "Question: %s\n\n", question)
	}
	fmt.Fprintf(&b, "Content from tool %q:\n<quarantined-content>\n%s\n</quarantined-content>\n\n", toolName, content)
	b.WriteString("Candidates:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i, opt)
	}
	b.WriteString("\nReply with the number of the best candidate.")
	return b.String()
}

// parseOptionIndex parses the secondary reply as an integer index, clamped
// to the candidate range. Malformed replies map to the final candidate,
// which is always NoRelevantContent.
func parseOptionIndex(reply string, optionCount int) int {
	last := optionCount - 1

	reply = strings.TrimSpace(reply)
	reply = strings.TrimSuffix(reply, ".")
	n, err := strconv.Atoi(reply)
	if err != nil {
		return last
	}
	if n < 0 {
		return 0
	}
	if n > last {
		return last
	}
	return n
}

// isUntrusted reports whether an unmatched classification needs quarantine.
// Trusted and blocked classifications are handled elsewhere; the remaining
// (false,false) case consults the tool default.
func isUntrusted(c policy.Classification) bool {
	if c.Trusted || c.Blocked {
		return false
	}
	return !(c.TrustedByDefault && c.PolicyCount == 0)
}

func toolContentsByCallID(messages []llm.ConversationMessage) map[string]string {
	contents := make(map[string]string)
	for _, msg := range messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
			contents[msg.ToolCallID] = msg.Content
		}
	}
	return contents
}
