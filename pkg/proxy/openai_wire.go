package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guptadeepak8/archestra/pkg/llm"
)

// OpenAI Chat Completions wire shapes, decoded with the same raw-map
// discipline as the Anthropic side: only the messages, tools, stream and
// stream_options keys are ever replaced on the way upstream.

type openaiRequest struct {
	raw map[string]json.RawMessage

	Model    string
	Stream   bool
	Messages []openaiMessage
	Tools    []openaiTool
}

// openaiMessage keeps the original message bytes alongside the decoded
// fields; unmodified messages are re-emitted verbatim.
type openaiMessage struct {
	raw json.RawMessage

	Role       string
	Content    json.RawMessage
	Name       string
	ToolCalls  []openaiToolCall
	ToolCallID string
}

type wireOpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

func (m *openaiMessage) UnmarshalJSON(data []byte) error {
	var w wireOpenAIMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = openaiMessage{
		raw:        append(json.RawMessage(nil), data...),
		Role:       w.Role,
		Content:    w.Content,
		Name:       w.Name,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
	}
	return nil
}

func (m openaiMessage) MarshalJSON() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(wireOpenAIMessage{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	})
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func parseOpenAIRequest(body []byte) (*openaiRequest, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	r := &openaiRequest{raw: raw}
	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return nil, fmt.Errorf("invalid model: %w", err)
		}
	}
	if v, ok := raw["stream"]; ok {
		if err := json.Unmarshal(v, &r.Stream); err != nil {
			return nil, fmt.Errorf("invalid stream flag: %w", err)
		}
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &r.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
	}
	if v, ok := raw["tools"]; ok {
		if err := json.Unmarshal(v, &r.Tools); err != nil {
			return nil, fmt.Errorf("invalid tools: %w", err)
		}
	}
	return r, nil
}

// UpstreamBody re-serialises the request with the inspected keys patched in.
// Streaming upstream calls always request the usage chunk; whether it is
// forwarded to the client depends on what the client asked for.
func (r *openaiRequest) UpstreamBody(stream bool) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.raw)+1)
	for k, v := range r.raw {
		out[k] = v
	}

	msgs, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}
	out["messages"] = msgs

	if len(r.Tools) > 0 {
		tools, err := json.Marshal(r.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tools: %w", err)
		}
		out["tools"] = tools
	} else {
		delete(out, "tools")
	}

	streamFlag, err := json.Marshal(stream)
	if err != nil {
		return nil, err
	}
	out["stream"] = streamFlag

	if stream {
		opts := make(map[string]json.RawMessage)
		if v, ok := r.raw["stream_options"]; ok {
			_ = json.Unmarshal(v, &opts)
		}
		opts["include_usage"] = json.RawMessage("true")
		merged, err := json.Marshal(opts)
		if err != nil {
			return nil, err
		}
		out["stream_options"] = merged
	} else {
		delete(out, "stream_options")
	}

	return json.Marshal(out)
}

// WantsUsageChunk reports whether the client itself asked for the terminal
// usage chunk.
func (r *openaiRequest) WantsUsageChunk() bool {
	v, ok := r.raw["stream_options"]
	if !ok {
		return false
	}
	var opts struct {
		IncludeUsage bool `json:"include_usage"`
	}
	if err := json.Unmarshal(v, &opts); err != nil {
		return false
	}
	return opts.IncludeUsage
}

// openaiContentText flattens message content (string, null or content-part
// array) into plain text.
func openaiContentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == blockTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// InternalMessages converts the wire conversation into the provider-neutral
// shape consumed by policy evaluation. The developer role maps to system.
func (r *openaiRequest) InternalMessages() []llm.ConversationMessage {
	msgs := make([]llm.ConversationMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		switch m.Role {
		case llm.RoleSystem, "developer":
			msgs = append(msgs, llm.ConversationMessage{Role: llm.RoleSystem, Content: openaiContentText(m.Content)})
		case llm.RoleAssistant:
			msg := llm.ConversationMessage{Role: llm.RoleAssistant, Content: openaiContentText(m.Content)}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			msgs = append(msgs, msg)
		case llm.RoleTool:
			msgs = append(msgs, llm.ConversationMessage{
				Role:       llm.RoleTool,
				ToolCallID: m.ToolCallID,
				Content:    openaiContentText(m.Content),
			})
		default:
			msgs = append(msgs, llm.ConversationMessage{Role: llm.RoleUser, Content: openaiContentText(m.Content)})
		}
	}
	return msgs
}

// ApplyToolResultUpdates replaces the content of the tool messages named in
// updates with their sanitised form.
func (r *openaiRequest) ApplyToolResultUpdates(updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	for i := range r.Messages {
		m := &r.Messages[i]
		if m.Role != llm.RoleTool {
			continue
		}
		replacement, ok := updates[m.ToolCallID]
		if !ok {
			continue
		}
		content, _ := json.Marshal(replacement)
		m.Content = content
		m.raw = nil
	}
}

// DropBlockedToolResults removes tool messages whose tool_call_id is blocked.
func (r *openaiRequest) DropBlockedToolResults(blocked map[string]bool) {
	if len(blocked) == 0 {
		return
	}
	kept := r.Messages[:0]
	for _, m := range r.Messages {
		if m.Role == llm.RoleTool && blocked[m.ToolCallID] {
			continue
		}
		kept = append(kept, m)
	}
	r.Messages = kept
}

// ToolDefinitions converts the request's function tools for registration
// against the agent.
func (r *openaiRequest) ToolDefinitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, t := range r.Tools {
		if t.Type != "function" {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:             t.Function.Name,
			Description:      t.Function.Description,
			ParametersSchema: t.Function.Parameters,
		})
	}
	return defs
}

// MergeManagedTools overlays managed tool definitions onto the request's own
// tool list. A managed tool wins on name collision; the rest are appended.
func (r *openaiRequest) MergeManagedTools(managed []llm.ToolDefinition) {
	if len(managed) == 0 {
		return
	}
	byName := make(map[string]llm.ToolDefinition, len(managed))
	for _, def := range managed {
		byName[def.Name] = def
	}

	merged := make([]openaiTool, 0, len(r.Tools)+len(managed))
	for _, t := range r.Tools {
		if def, ok := byName[t.Function.Name]; ok && t.Type == "function" {
			merged = append(merged, openaiToolFromDefinition(def))
			delete(byName, t.Function.Name)
			continue
		}
		merged = append(merged, t)
	}
	for _, def := range managed {
		if _, ok := byName[def.Name]; ok {
			merged = append(merged, openaiToolFromDefinition(def))
		}
	}
	r.Tools = merged
}

func openaiToolFromDefinition(def llm.ToolDefinition) openaiTool {
	params := def.ParametersSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return openaiTool{
		Type: "function",
		Function: openaiFunctionDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}
}

// InjectSystemPrompts prepends one system message carrying the admin-assigned
// prompt contents ahead of the conversation.
func (r *openaiRequest) InjectSystemPrompts(prompts []string) {
	if len(prompts) == 0 {
		return
	}
	content, _ := json.Marshal(strings.Join(prompts, "\n\n"))
	head := openaiMessage{Role: llm.RoleSystem, Content: content}
	r.Messages = append([]openaiMessage{head}, r.Messages...)
}

// AppendAssistantMessage extends the conversation with the model's reply for
// a tool-execution round trip.
func (r *openaiRequest) AppendAssistantMessage(msg openaiMessage) {
	r.Messages = append(r.Messages, msg)
}

// AppendToolResults appends one tool message per managed result.
func (r *openaiRequest) AppendToolResults(results []llm.ToolResult) {
	for _, res := range results {
		content, _ := json.Marshal(res.Content)
		r.Messages = append(r.Messages, openaiMessage{
			Role:       llm.RoleTool,
			ToolCallID: res.CallID,
			Content:    content,
		})
	}
}

type openaiResponse struct {
	ID           string
	Model        string
	Message      openaiMessage
	FinishReason string
	Usage        openaiUsage
}

func parseOpenAIResponse(body []byte) (*openaiResponse, error) {
	var decoded struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message      openaiMessage `json:"message"`
			FinishReason string        `json:"finish_reason"`
		} `json:"choices"`
		Usage openaiUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	return &openaiResponse{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Message:      decoded.Choices[0].Message,
		FinishReason: decoded.Choices[0].FinishReason,
		Usage:        decoded.Usage,
	}, nil
}

// ToolCalls extracts the function calls the model proposed.
func (r *openaiResponse) ToolCalls() []llm.ToolCall {
	var calls []llm.ToolCall
	for _, tc := range r.Message.ToolCalls {
		calls = append(calls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return calls
}

// AssistantEnvelope renders the response as a persisted assistant envelope.
func (r *openaiResponse) AssistantEnvelope() json.RawMessage {
	env, err := llm.ConversationMessage{
		Role:      llm.RoleAssistant,
		Content:   openaiContentText(r.Message.Content),
		ToolCalls: r.ToolCalls(),
	}.Envelope()
	if err != nil {
		return nil
	}
	return env
}

// openaiCompletionBody builds a native chat.completion response carrying one
// assistant text message.
func openaiCompletionBody(id, model, finishReason, content string, usage openaiUsage) []byte {
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}
	body, _ := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": llm.RoleAssistant, "content": content},
			"finish_reason": finishReason,
		}},
		"usage": usage,
	})
	return body
}

// openaiRefusalBody builds a native 200 response carrying a refusal as the
// assistant's reply.
func openaiRefusalBody(model, text string) []byte {
	return openaiCompletionBody("", model, "stop", text, openaiUsage{})
}

// openaiErrorBody renders an error in the Chat Completions error envelope.
func openaiErrorBody(errType, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    nil,
		},
	})
	return body
}

// openaiStreamPayload is the partial decode of one streamed chunk, covering
// the fields the accumulator inspects.
type openaiStreamPayload struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

func openaiChunk(id, model string, delta map[string]any, finishReason any, usage *openaiUsage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	data, _ := json.Marshal(chunk)
	return data
}

func openaiRoleChunkData(id, model string) []byte {
	return openaiChunk(id, model, map[string]any{"role": llm.RoleAssistant}, nil, nil)
}

func openaiTextChunkData(id, model, text string) []byte {
	return openaiChunk(id, model, map[string]any{"content": text}, nil, nil)
}

func openaiFinishChunkData(id, model, reason string) []byte {
	return openaiChunk(id, model, map[string]any{}, reason, nil)
}

func openaiUsageChunkData(id, model string, usage openaiUsage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{},
		"usage":   usage,
	}
	data, _ := json.Marshal(chunk)
	return data
}
