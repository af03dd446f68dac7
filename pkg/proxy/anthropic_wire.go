package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/guptadeepak8/archestra/pkg/llm"
)

// Anthropic Messages API wire shapes. Inbound bodies are decoded just far
// enough to classify and rewrite conversation content; everything else is
// kept as raw JSON so unrecognized fields travel upstream byte-for-byte.
// Only the messages, tools, system and stream keys are ever replaced.

// SSE event names on the Anthropic streaming wire.
const (
	eventMessageStart      = "message_start"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventMessageDelta      = "message_delta"
	eventMessageStop       = "message_stop"
	eventPing              = "ping"
	eventError             = "error"
)

// Content block types.
const (
	blockTypeText       = "text"
	blockTypeToolUse    = "tool_use"
	blockTypeToolResult = "tool_result"
)

type anthropicRequest struct {
	raw map[string]json.RawMessage

	Model    string
	Stream   bool
	System   json.RawMessage
	Messages []anthropicMessage
	Tools    []anthropicTool
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content anthropicContent `json:"content"`
}

// anthropicContent models the string-or-block-array polymorphism of message
// content on the Anthropic wire.
type anthropicContent struct {
	text   *string
	blocks []anthropicContentBlock
}

func (c *anthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.text = &s
		c.blocks = nil
		return nil
	}
	c.text = nil
	return json.Unmarshal(data, &c.blocks)
}

func (c anthropicContent) MarshalJSON() ([]byte, error) {
	if c.text != nil {
		return json.Marshal(*c.text)
	}
	if c.blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.blocks)
}

// anthropicContentBlock keeps the original block bytes alongside the decoded
// fields. Unmodified blocks are re-emitted verbatim, so block types the
// gateway does not model (thinking, citations) survive the round trip; a
// rewritten block is re-serialised from its fields.
type anthropicContentBlock struct {
	raw json.RawMessage

	Type string
	// text blocks
	Text string
	// tool_use blocks
	ID    string
	Name  string
	Input json.RawMessage
	// tool_result blocks
	ToolUseID string
	Content   json.RawMessage
	IsError   bool

	CacheControl json.RawMessage
}

type wireContentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

func (b *anthropicContentBlock) UnmarshalJSON(data []byte) error {
	var w wireContentBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = anthropicContentBlock{
		raw:          append(json.RawMessage(nil), data...),
		Type:         w.Type,
		Text:         w.Text,
		ID:           w.ID,
		Name:         w.Name,
		Input:        w.Input,
		ToolUseID:    w.ToolUseID,
		Content:      w.Content,
		IsError:      w.IsError,
		CacheControl: w.CacheControl,
	}
	return nil
}

func (b anthropicContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	return json.Marshal(wireContentBlock{
		Type:         b.Type,
		Text:         b.Text,
		ID:           b.ID,
		Name:         b.Name,
		Input:        b.Input,
		ToolUseID:    b.ToolUseID,
		Content:      b.Content,
		IsError:      b.IsError,
		CacheControl: b.CacheControl,
	})
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func parseAnthropicRequest(body []byte) (*anthropicRequest, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	r := &anthropicRequest{raw: raw, System: raw["system"]}
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

// UpstreamBody re-serialises the request with the inspected keys patched in
// and every other key forwarded untouched.
func (r *anthropicRequest) UpstreamBody(stream bool) ([]byte, error) {
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

	if r.System != nil {
		out["system"] = r.System
	} else {
		delete(out, "system")
	}

	streamFlag, err := json.Marshal(stream)
	if err != nil {
		return nil, err
	}
	out["stream"] = streamFlag

	return json.Marshal(out)
}

// systemText flattens a system field (bare string or text-block array) into
// plain text.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == blockTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// InjectSystemPrompts prepends admin-assigned prompt contents ahead of the
// request's own system prompt. The merged system travels as a single string.
func (r *anthropicRequest) InjectSystemPrompts(prompts []string) {
	if len(prompts) == 0 {
		return
	}
	parts := append([]string(nil), prompts...)
	if current := systemText(r.System); current != "" {
		parts = append(parts, current)
	}
	merged, _ := json.Marshal(strings.Join(parts, "\n\n"))
	r.System = merged
}

// InternalMessages converts the wire conversation into the provider-neutral
// shape consumed by policy evaluation.
func (r *anthropicRequest) InternalMessages() []llm.ConversationMessage {
	msgs := make([]llm.ConversationMessage, 0, len(r.Messages)+1)
	if sys := systemText(r.System); sys != "" {
		msgs = append(msgs, llm.ConversationMessage{Role: llm.RoleSystem, Content: sys})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, anthropicMessageToInternal(m)...)
	}
	return msgs
}

func anthropicMessageToInternal(m anthropicMessage) []llm.ConversationMessage {
	if m.Content.text != nil {
		return []llm.ConversationMessage{{Role: m.Role, Content: *m.Content.text}}
	}

	if m.Role == llm.RoleAssistant {
		out := llm.ConversationMessage{Role: llm.RoleAssistant}
		var texts []string
		for _, b := range m.Content.blocks {
			switch b.Type {
			case blockTypeText:
				texts = append(texts, b.Text)
			case blockTypeToolUse:
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: string(b.Input),
				})
			}
		}
		out.Content = strings.Join(texts, "\n")
		return []llm.ConversationMessage{out}
	}

	// User messages can interleave text and tool_result blocks; block order
	// is preserved and adjacent text blocks coalesce into one message.
	var out []llm.ConversationMessage
	var pending []string
	flush := func() {
		if len(pending) > 0 {
			out = append(out, llm.ConversationMessage{Role: m.Role, Content: strings.Join(pending, "\n")})
			pending = nil
		}
	}
	for _, b := range m.Content.blocks {
		switch b.Type {
		case blockTypeText:
			pending = append(pending, b.Text)
		case blockTypeToolResult:
			flush()
			out = append(out, llm.ConversationMessage{
				Role:       llm.RoleTool,
				ToolCallID: b.ToolUseID,
				Content:    toolResultText(b.Content),
			})
		}
	}
	flush()
	return out
}

// toolResultText flattens tool_result content (bare string or block array)
// into plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw)
		}
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == blockTypeText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ApplyToolResultUpdates replaces the content of the tool_result blocks named
// in updates with their sanitised form.
func (r *anthropicRequest) ApplyToolResultUpdates(updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	for i := range r.Messages {
		blocks := r.Messages[i].Content.blocks
		for j := range blocks {
			b := &blocks[j]
			if b.Type != blockTypeToolResult {
				continue
			}
			replacement, ok := updates[b.ToolUseID]
			if !ok {
				continue
			}
			content, _ := json.Marshal(replacement)
			b.Content = content
			b.IsError = false
			b.raw = nil
		}
	}
}

// DropBlockedToolResults removes tool_result blocks whose tool_use_id is
// blocked. Messages left without content are dropped entirely.
func (r *anthropicRequest) DropBlockedToolResults(blocked map[string]bool) {
	if len(blocked) == 0 {
		return
	}
	var msgs []anthropicMessage
	for _, m := range r.Messages {
		if m.Content.text != nil {
			msgs = append(msgs, m)
			continue
		}
		var kept []anthropicContentBlock
		for _, b := range m.Content.blocks {
			if b.Type == blockTypeToolResult && blocked[b.ToolUseID] {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			continue
		}
		m.Content.blocks = kept
		msgs = append(msgs, m)
	}
	r.Messages = msgs
}

// ToolDefinitions converts the request's tool declarations for registration
// against the agent.
func (r *anthropicRequest) ToolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.Tools))
	for _, t := range r.Tools {
		defs = append(defs, llm.ToolDefinition{
			Name:             t.Name,
			Description:      t.Description,
			ParametersSchema: t.InputSchema,
		})
	}
	return defs
}

// MergeManagedTools overlays managed tool definitions onto the request's own
// tool list. A managed tool wins on name collision; the rest are appended.
func (r *anthropicRequest) MergeManagedTools(managed []llm.ToolDefinition) {
	if len(managed) == 0 {
		return
	}
	byName := make(map[string]llm.ToolDefinition, len(managed))
	for _, def := range managed {
		byName[def.Name] = def
	}

	merged := make([]anthropicTool, 0, len(r.Tools)+len(managed))
	for _, t := range r.Tools {
		if def, ok := byName[t.Name]; ok {
			merged = append(merged, anthropicToolFromDefinition(def))
			delete(byName, t.Name)
			continue
		}
		merged = append(merged, t)
	}
	for _, def := range managed {
		if _, ok := byName[def.Name]; ok {
			merged = append(merged, anthropicToolFromDefinition(def))
		}
	}
	r.Tools = merged
}

func anthropicToolFromDefinition(def llm.ToolDefinition) anthropicTool {
	schema := def.ParametersSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return anthropicTool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schema,
	}
}

// AppendAssistantTurn appends the model's reply blocks as an assistant
// message, extending the conversation for a tool-execution round trip.
func (r *anthropicRequest) AppendAssistantTurn(blocks []anthropicContentBlock) {
	r.Messages = append(r.Messages, anthropicMessage{
		Role:    llm.RoleAssistant,
		Content: anthropicContent{blocks: blocks},
	})
}

// AppendToolResults appends one user message carrying managed tool results.
func (r *anthropicRequest) AppendToolResults(results []llm.ToolResult) {
	blocks := make([]anthropicContentBlock, 0, len(results))
	for _, res := range results {
		content, _ := json.Marshal(res.Content)
		blocks = append(blocks, anthropicContentBlock{
			Type:      blockTypeToolResult,
			ToolUseID: res.CallID,
			Content:   content,
			IsError:   res.IsError,
		})
	}
	r.Messages = append(r.Messages, anthropicMessage{
		Role:    llm.RoleUser,
		Content: anthropicContent{blocks: blocks},
	})
}

type anthropicResponse struct {
	raw map[string]json.RawMessage

	ID         string
	Model      string
	StopReason string
	Content    []anthropicContentBlock
	Usage      anthropicUsage
}

func parseAnthropicResponse(body []byte) (*anthropicResponse, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}

	r := &anthropicResponse{raw: raw}
	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &r.ID)
	}
	if v, ok := raw["model"]; ok {
		_ = json.Unmarshal(v, &r.Model)
	}
	if v, ok := raw["stop_reason"]; ok {
		_ = json.Unmarshal(v, &r.StopReason)
	}
	if v, ok := raw["usage"]; ok {
		_ = json.Unmarshal(v, &r.Usage)
	}
	if v, ok := raw["content"]; ok {
		if err := json.Unmarshal(v, &r.Content); err != nil {
			return nil, fmt.Errorf("invalid response content: %w", err)
		}
	}
	return r, nil
}

// ToolCalls extracts the tool_use blocks the model proposed.
func (r *anthropicResponse) ToolCalls() []llm.ToolCall {
	var calls []llm.ToolCall
	for _, b := range r.Content {
		if b.Type == blockTypeToolUse {
			calls = append(calls, llm.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return calls
}

// AssistantEnvelope renders the response as a persisted assistant envelope.
func (r *anthropicResponse) AssistantEnvelope() json.RawMessage {
	var text strings.Builder
	for _, b := range r.Content {
		if b.Type == blockTypeText {
			text.WriteString(b.Text)
		}
	}
	env, err := llm.ConversationMessage{
		Role:      llm.RoleAssistant,
		Content:   text.String(),
		ToolCalls: r.ToolCalls(),
	}.Envelope()
	if err != nil {
		return nil
	}
	return env
}

type anthropicMessageEnvelope struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        anthropicUsage          `json:"usage"`
}

// anthropicMessageBody builds a native Messages API response carrying the
// given content blocks. Used for refusal bodies and stream audit records.
func anthropicMessageBody(model, stopReason string, content []anthropicContentBlock, usage anthropicUsage) []byte {
	body, _ := json.Marshal(anthropicMessageEnvelope{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       llm.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	})
	return body
}

// anthropicRefusalBody builds a native 200 response carrying a refusal as the
// assistant's reply.
func anthropicRefusalBody(model, text string) []byte {
	return anthropicMessageBody(model, "end_turn",
		[]anthropicContentBlock{{Type: blockTypeText, Text: text}}, anthropicUsage{})
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorEnvelope struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

// anthropicErrorBody renders an error in the Messages API error envelope.
func anthropicErrorBody(errType, message string) []byte {
	body, _ := json.Marshal(anthropicErrorEnvelope{
		Type:  "error",
		Error: anthropicErrorDetail{Type: errType, Message: message},
	})
	return body
}

// anthropicStreamPayload is the partial decode of one SSE data payload,
// covering the fields the stream accumulator inspects.
type anthropicStreamPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`
}

func anthropicMessageStartData(model string, inputTokens int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": eventMessageStart,
		"message": map[string]any{
			"id":            "msg_" + uuid.New().String(),
			"type":          "message",
			"role":          llm.RoleAssistant,
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         anthropicUsage{InputTokens: inputTokens},
		},
	})
	return data
}

func anthropicBlockStartData(index int) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          eventContentBlockStart,
		"index":         index,
		"content_block": map[string]string{"type": blockTypeText, "text": ""},
	})
	return data
}

func anthropicTextDeltaData(index int, text string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  eventContentBlockDelta,
		"index": index,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
	return data
}

func anthropicBlockStopData(index int) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  eventContentBlockStop,
		"index": index,
	})
	return data
}

func anthropicMessageDeltaData(stopReason string, outputTokens int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  eventMessageDelta,
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int64{"output_tokens": outputTokens},
	})
	return data
}

func anthropicMessageStopData() []byte {
	data, _ := json.Marshal(map[string]string{"type": eventMessageStop})
	return data
}
