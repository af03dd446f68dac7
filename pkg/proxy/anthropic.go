package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/policy"
	"github.com/guptadeepak8/archestra/pkg/quarantine"
	"github.com/guptadeepak8/archestra/pkg/quota"
)

// Anthropic error envelope types.
const (
	anthropicErrInvalidRequest = "invalid_request_error"
	anthropicErrAuthentication = "authentication_error"
	anthropicErrNotFound       = "not_found_error"
	anthropicErrAPI            = "api_error"
)

// anthropicForwardHeaders are the inbound headers forwarded upstream.
var anthropicForwardHeaders = []string{"x-api-key", "anthropic-version", "anthropic-beta"}

// AnthropicProxy serves the Messages-compatible surface: POST /v1/messages
// and POST /v1/agents/:agentId/messages.
type AnthropicProxy struct {
	pipeline *Pipeline
	baseURL  string

	// newSecondary builds the per-request quarantine caller from the
	// request's own upstream key.
	newSecondary func(apiKey string) quarantine.SecondaryCaller
}

// NewAnthropicProxy creates the Anthropic-compatible proxy surface.
func NewAnthropicProxy(pipeline *Pipeline, providers *config.ProviderConfig, quarCfg *config.QuarantineConfig) *AnthropicProxy {
	return &AnthropicProxy{
		pipeline: pipeline,
		baseURL:  strings.TrimSuffix(providers.AnthropicBaseURL, "/"),
		newSecondary: func(apiKey string) quarantine.SecondaryCaller {
			return quarantine.NewAnthropicCaller(apiKey, providers.AnthropicBaseURL, quarCfg.AnthropicModel, quarCfg.Timeout)
		},
	}
}

// anthropicExchange is the per-request state threaded through the forward
// and stream paths.
type anthropicExchange struct {
	wire    *anthropicRequest
	body    []byte
	agent   *models.Agent
	chatID  string
	scopes  *quota.Scopes
	headers http.Header
	apiKey  string

	// reqCtx is the inbound request context, consulted only to detect
	// client disconnects when persisting.
	reqCtx context.Context
}

// Messages handles a Messages API request end to end.
func (p *AnthropicProxy) Messages(c *echo.Context) error {
	req := c.Request()
	reqCtx := req.Context()
	ctx, cancel := p.pipeline.RequestContext(reqCtx)
	defer cancel()

	apiKey := req.Header.Get("x-api-key")
	if apiKey == "" {
		return p.relayJSON(c, http.StatusUnauthorized,
			anthropicErrorBody(anthropicErrAuthentication, "missing x-api-key header"))
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return p.relayJSON(c, http.StatusBadRequest,
			anthropicErrorBody(anthropicErrInvalidRequest, "failed to read request body"))
	}

	wire, err := parseAnthropicRequest(body)
	if err != nil {
		return p.relayJSON(c, http.StatusBadRequest,
			anthropicErrorBody(anthropicErrInvalidRequest, err.Error()))
	}
	if wire.Model == "" {
		return p.relayJSON(c, http.StatusBadRequest,
			anthropicErrorBody(anthropicErrInvalidRequest, "model is required"))
	}
	if len(wire.Messages) == 0 {
		return p.relayJSON(c, http.StatusBadRequest,
			anthropicErrorBody(anthropicErrInvalidRequest, "messages is required"))
	}

	agent, err := p.pipeline.ResolveAgent(ctx, c.Param("agentId"), req.UserAgent())
	if err != nil {
		return p.errorResponse(c, "resolve agent", err)
	}

	ex := &anthropicExchange{
		wire:    wire,
		body:    body,
		agent:   agent,
		chatID:  req.Header.Get(ChatIDHeader),
		headers: forwardHeaders(req.Header, anthropicForwardHeaders),
		apiKey:  apiKey,
		reqCtx:  reqCtx,
	}

	scopes, refusal, err := p.pipeline.CheckQuota(ctx, agent.ID)
	if err != nil {
		return p.failExchange(c, ex, "quota pre-check", err)
	}
	ex.scopes = scopes
	if refusal != nil {
		return p.refuseQuota(c, ex, refusal)
	}

	managed := p.pipeline.ManagedTools(ctx)
	if err := p.pipeline.RegisterTools(ctx, agent.ID, append(wire.ToolDefinitions(), managed...)); err != nil {
		return p.failExchange(c, ex, "register tools", err)
	}
	wire.MergeManagedTools(managed)

	prompts, err := p.pipeline.SystemPrompts(ctx, agent.ID)
	if err != nil {
		return p.failExchange(c, ex, "load prompts", err)
	}
	wire.InjectSystemPrompts(prompts)

	if wire.Stream {
		return p.stream(ctx, c, ex)
	}
	return p.forward(ctx, c, ex)
}

// forward handles the non-streaming path, including managed-tool round
// trips: when every proposed call targets a managed tool the gateway
// executes them and re-invokes the upstream until the model stops asking.
func (p *AnthropicProxy) forward(ctx context.Context, c *echo.Context, ex *anthropicExchange) error {
	secondary := p.newSecondary(ex.apiKey)

	decision, err := p.pipeline.EvaluateTrust(ctx, ex.agent.ID, ex.chatID, ex.wire.InternalMessages(), secondary, nil)
	if err != nil {
		return p.failExchange(c, ex, "policy evaluation", err)
	}
	ex.wire.ApplyToolResultUpdates(decision.Rewrites)
	ex.wire.DropBlockedToolResults(decision.Blocked)
	contextTrusted := decision.ContextTrusted

	var usage llm.Usage
	for round := 0; ; round++ {
		upstreamBody, err := ex.wire.UpstreamBody(false)
		if err != nil {
			return p.failExchange(c, ex, "encode upstream body", err)
		}

		resp, err := p.pipeline.UpstreamPost(ctx, p.baseURL+"/v1/messages", upstreamBody, ex.headers)
		if err != nil {
			return p.upstreamFailure(c, ex, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return p.upstreamFailure(c, ex, readErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return p.relayUpstreamStatus(c, ex, resp, respBody)
		}

		parsed, err := parseAnthropicResponse(respBody)
		if err != nil {
			slog.Error("Failed to decode upstream response", "agent_id", ex.agent.ID, "error", err)
			p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
				AgentID: ex.agent.ID,
				ChatID:  ex.chatID,
				Type:    models.InteractionTypeAnthropicRefusal,
				Request: ex.body,
			}, err)
			return p.relayJSON(c, http.StatusBadGateway,
				anthropicErrorBody(anthropicErrAPI, "invalid upstream response"))
		}
		usage.InputTokens += parsed.Usage.InputTokens
		usage.OutputTokens += parsed.Usage.OutputTokens

		calls := parsed.ToolCalls()
		if refusal := p.pipeline.EvaluateInvocation(ctx, ex.agent.ID, calls, contextTrusted); refusal != nil {
			return p.refuseCompletion(c, ex, refusal, usage)
		}

		if round < maxToolRounds && p.pipeline.ManagedRoundTrip(calls) {
			ex.wire.AppendAssistantTurn(parsed.Content)
			results := p.pipeline.ExecuteManagedCalls(ctx, calls)
			ex.wire.AppendToolResults(results)

			// The freshly produced results join the conversation, so they go
			// through the same classification and quarantine pass before the
			// next upstream call.
			tailDecision, err := p.pipeline.EvaluateTrust(ctx, ex.agent.ID, ex.chatID,
				managedTailMessages(calls, results), secondary, nil)
			if err != nil {
				return p.errorResponse(c, "policy evaluation", err)
			}
			ex.wire.ApplyToolResultUpdates(tailDecision.Rewrites)
			ex.wire.DropBlockedToolResults(tailDecision.Blocked)
			contextTrusted = contextTrusted && tailDecision.ContextTrusted
			continue
		}

		p.pipeline.PersistCompletion(ex.reqCtx, CompletionRecord{
			AgentID:  ex.agent.ID,
			ChatID:   ex.chatID,
			Type:     models.InteractionTypeAnthropicMessages,
			Request:  ex.body,
			Response: respBody,
			Content:  parsed.AssistantEnvelope(),
			Usage:    usage,
		})
		p.pipeline.RecordUsage(ex.scopes, usage)
		return p.relayJSON(c, http.StatusOK, respBody)
	}
}

// managedTailMessages shapes an executed round trip as conversation messages
// for policy evaluation.
func managedTailMessages(calls []llm.ToolCall, results []llm.ToolResult) []llm.ConversationMessage {
	tail := make([]llm.ConversationMessage, 0, len(results)+1)
	tail = append(tail, llm.ConversationMessage{Role: llm.RoleAssistant, ToolCalls: calls})
	for _, res := range results {
		tail = append(tail, llm.ConversationMessage{
			Role:       llm.RoleTool,
			ToolCallID: res.CallID,
			Content:    res.Content,
		})
	}
	return tail
}

// stream handles the streaming path. Headers are committed before the trust
// evaluation so quarantine progress reaches the client live; everything that
// fails afterwards is reported in-stream.
func (p *AnthropicProxy) stream(ctx context.Context, c *echo.Context, ex *anthropicExchange) error {
	w, err := newSSEWriter(c.Response())
	if err != nil {
		return p.errorResponse(c, "start stream", err)
	}

	w.WriteEvent(DualLLMEventName, dualLLMStartedData())

	decision, err := p.pipeline.EvaluateTrust(ctx, ex.agent.ID, ex.chatID, ex.wire.InternalMessages(),
		p.newSecondary(ex.apiKey), func(progress quarantine.Progress) {
			w.WriteEvent(DualLLMEventName, dualLLMProgressData(progress))
		})
	if err != nil {
		slog.Error("Policy evaluation failed mid-stream", "agent_id", ex.agent.ID, "error", err)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID: ex.agent.ID,
			ChatID:  ex.chatID,
			Type:    models.InteractionTypeAnthropicRefusal,
			Request: ex.body,
		}, err)
		w.WriteEvent(eventError, anthropicErrorBody(anthropicErrAPI, "policy evaluation failed"))
		return nil
	}
	ex.wire.ApplyToolResultUpdates(decision.Rewrites)
	ex.wire.DropBlockedToolResults(decision.Blocked)

	upstreamBody, err := ex.wire.UpstreamBody(true)
	if err != nil {
		w.WriteEvent(eventError, anthropicErrorBody(anthropicErrInvalidRequest, err.Error()))
		return nil
	}

	resp, err := p.pipeline.UpstreamPost(ctx, p.baseURL+"/v1/messages", upstreamBody, ex.headers)
	if err != nil {
		slog.Error("Upstream request failed mid-stream", "agent_id", ex.agent.ID, "error", err)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID: ex.agent.ID,
			ChatID:  ex.chatID,
			Type:    models.InteractionTypeAnthropicRefusal,
			Request: ex.body,
		}, err)
		w.WriteEvent(eventError, anthropicErrorBody(anthropicErrAPI, upstreamFailureMessage(err)))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		statusErr := fmt.Errorf("upstream returned status %d", resp.StatusCode)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID:  ex.agent.ID,
			ChatID:   ex.chatID,
			Type:     models.InteractionTypeAnthropicRefusal,
			Request:  ex.body,
			Response: errBody,
		}, statusErr)
		var envelope anthropicErrorEnvelope
		if json.Unmarshal(errBody, &envelope) == nil && envelope.Error.Type != "" {
			w.WriteEvent(eventError, errBody)
		} else {
			w.WriteEvent(eventError, anthropicErrorBody(anthropicErrAPI, statusErr.Error()))
		}
		return nil
	}

	p.relayStream(ctx, w, ex, decision, resp)
	return nil
}

// streamBlock accumulates one content block as its deltas arrive.
type streamBlock struct {
	typ   string
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

// anthropicStreamState accumulates an upstream stream. Text deltas forward
// live; tool_use block events are held back until the invocation verdict,
// and the terminal message_delta/message_stop pair is held so a refusal can
// replace the tail.
type anthropicStreamState struct {
	messageID    string
	inputTokens  int64
	outputTokens int64
	stopReason   string

	blocks map[int]*streamBlock
	order  []int

	buffering map[int]bool
	buffered  []sseEvent
	held      []sseEvent
	maxIndex  int
}

func (s *anthropicStreamState) usage() llm.Usage {
	return llm.Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}
}

// toolCalls returns the completed tool_use blocks in block order.
func (s *anthropicStreamState) toolCalls() []llm.ToolCall {
	var calls []llm.ToolCall
	for _, idx := range s.order {
		blk := s.blocks[idx]
		if blk.typ != blockTypeToolUse {
			continue
		}
		args := blk.input.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{ID: blk.id, Name: blk.name, Arguments: args})
	}
	return calls
}

// assistantEnvelope renders the accumulated message as a persisted assistant
// envelope.
func (s *anthropicStreamState) assistantEnvelope() json.RawMessage {
	var text strings.Builder
	for _, idx := range s.order {
		if blk := s.blocks[idx]; blk.typ == blockTypeText {
			text.WriteString(blk.text.String())
		}
	}
	env, err := llm.ConversationMessage{
		Role:      llm.RoleAssistant,
		Content:   text.String(),
		ToolCalls: s.toolCalls(),
	}.Envelope()
	if err != nil {
		return nil
	}
	return env
}

// responseBody reconstructs the streamed message as a native response body
// for the audit record.
func (s *anthropicStreamState) responseBody(model, stopReason string) []byte {
	var content []anthropicContentBlock
	for _, idx := range s.order {
		blk := s.blocks[idx]
		switch blk.typ {
		case blockTypeText:
			content = append(content, anthropicContentBlock{Type: blockTypeText, Text: blk.text.String()})
		case blockTypeToolUse:
			input := blk.input.String()
			if input == "" {
				input = "{}"
			}
			content = append(content, anthropicContentBlock{
				Type:  blockTypeToolUse,
				ID:    blk.id,
				Name:  blk.name,
				Input: json.RawMessage(input),
			})
		}
	}

	body, _ := json.Marshal(anthropicMessageEnvelope{
		ID:         s.messageID,
		Type:       "message",
		Role:       llm.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      anthropicUsage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
	})
	return body
}

// relayStream forwards the upstream event stream, buffering tool_use blocks
// until the invocation policies have ruled on them.
func (p *AnthropicProxy) relayStream(ctx context.Context, w *sseWriter, ex *anthropicExchange, decision *TrustDecision, resp *http.Response) {
	state := &anthropicStreamState{
		blocks:    make(map[int]*streamBlock),
		buffering: make(map[int]bool),
	}

	dec := ssestream.NewDecoder(resp)
	for dec.Next() {
		ev := dec.Event()
		data := append([]byte(nil), ev.Data...)

		var payload anthropicStreamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			// Unrecognized payloads pass through untouched.
			w.WriteEvent(ev.Type, data)
			continue
		}

		switch payload.Type {
		case eventMessageStart:
			if payload.Message != nil {
				state.messageID = payload.Message.ID
				state.inputTokens = payload.Message.Usage.InputTokens
			}
			w.WriteEvent(ev.Type, data)

		case eventContentBlockStart:
			blk := &streamBlock{}
			if payload.ContentBlock != nil {
				blk.typ = payload.ContentBlock.Type
				blk.id = payload.ContentBlock.ID
				blk.name = payload.ContentBlock.Name
			}
			state.blocks[payload.Index] = blk
			state.order = append(state.order, payload.Index)
			if payload.Index > state.maxIndex {
				state.maxIndex = payload.Index
			}
			if blk.typ == blockTypeToolUse {
				state.buffering[payload.Index] = true
				state.buffered = append(state.buffered, sseEvent{name: ev.Type, data: data})
			} else {
				w.WriteEvent(ev.Type, data)
			}

		case eventContentBlockDelta:
			blk := state.blocks[payload.Index]
			if blk != nil && payload.Delta != nil {
				switch payload.Delta.Type {
				case "text_delta":
					blk.text.WriteString(payload.Delta.Text)
				case "input_json_delta":
					blk.input.WriteString(payload.Delta.PartialJSON)
				}
			}
			if state.buffering[payload.Index] {
				state.buffered = append(state.buffered, sseEvent{name: ev.Type, data: data})
			} else {
				w.WriteEvent(ev.Type, data)
			}

		case eventContentBlockStop:
			if state.buffering[payload.Index] {
				state.buffered = append(state.buffered, sseEvent{name: ev.Type, data: data})
			} else {
				w.WriteEvent(ev.Type, data)
			}

		case eventMessageDelta:
			if payload.Delta != nil {
				state.stopReason = payload.Delta.StopReason
			}
			if payload.Usage != nil {
				state.outputTokens = payload.Usage.OutputTokens
			}
			state.held = append(state.held, sseEvent{name: ev.Type, data: data})

		case eventMessageStop:
			state.held = append(state.held, sseEvent{name: ev.Type, data: data})

		case eventError:
			w.WriteEvent(ev.Type, data)
			p.persistStreamFailure(ex, state, fmt.Errorf("upstream stream error: %s", data))
			return

		default:
			w.WriteEvent(ev.Type, data)
		}
	}

	if err := dec.Err(); err != nil {
		slog.Error("Upstream stream broke", "agent_id", ex.agent.ID, "error", err)
		w.WriteEvent(eventMessageDelta, anthropicMessageDeltaData("error", state.outputTokens))
		w.WriteEvent(eventMessageStop, anthropicMessageStopData())
		p.persistStreamFailure(ex, state, err)
		return
	}

	calls := state.toolCalls()
	if refusal := p.pipeline.EvaluateInvocation(ctx, ex.agent.ID, calls, decision.ContextTrusted); refusal != nil {
		p.refuseStream(w, ex, state, refusal)
		return
	}

	for _, ev := range state.buffered {
		w.WriteEvent(ev.name, ev.data)
	}
	for _, ev := range state.held {
		w.WriteEvent(ev.name, ev.data)
	}

	p.pipeline.PersistCompletion(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeAnthropicMessages,
		Request:  ex.body,
		Response: state.responseBody(ex.wire.Model, state.stopReason),
		Content:  state.assistantEnvelope(),
		Usage:    state.usage(),
	})
	p.pipeline.RecordUsage(ex.scopes, state.usage())
}

// refuseStream suppresses the buffered tool_use events and closes the stream
// with the refusal as a synthesized text block.
func (p *AnthropicProxy) refuseStream(w *sseWriter, ex *anthropicExchange, state *anthropicStreamState, refusal *policy.Refusal) {
	text := refusal.UserMessage()
	index := state.maxIndex + 1

	w.WriteEvent(eventContentBlockStart, anthropicBlockStartData(index))
	w.WriteEvent(eventContentBlockDelta, anthropicTextDeltaData(index, text))
	w.WriteEvent(eventContentBlockStop, anthropicBlockStopData(index))
	w.WriteEvent(eventMessageDelta, anthropicMessageDeltaData("end_turn", state.outputTokens))
	w.WriteEvent(eventMessageStop, anthropicMessageStopData())

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID: ex.agent.ID,
		ChatID:  ex.chatID,
		Type:    models.InteractionTypeAnthropicRefusal,
		Request: ex.body,
		Response: anthropicMessageBody(ex.wire.Model, "end_turn",
			[]anthropicContentBlock{{Type: blockTypeText, Text: text}},
			anthropicUsage{InputTokens: state.inputTokens, OutputTokens: state.outputTokens}),
		Usage: state.usage(),
	}, refusal)
	p.pipeline.RecordUsage(ex.scopes, state.usage())
}

// persistStreamFailure records what was received before a stream broke.
func (p *AnthropicProxy) persistStreamFailure(ex *anthropicExchange, state *anthropicStreamState, cause error) {
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeAnthropicMessages,
		Request:  ex.body,
		Response: state.responseBody(ex.wire.Model, "error"),
		Usage:    state.usage(),
	}, cause)
}

// refuseQuota answers a quota refusal in the shape the client asked for: a
// native 200 response, or a complete synthetic stream when stream was set.
func (p *AnthropicProxy) refuseQuota(c *echo.Context, ex *anthropicExchange, refusal *policy.Refusal) error {
	text := refusal.UserMessage()
	body := anthropicRefusalBody(ex.wire.Model, text)

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeAnthropicRefusal,
		Request:  ex.body,
		Response: body,
	}, refusal)

	if !ex.wire.Stream {
		return p.relayJSON(c, http.StatusOK, body)
	}

	w, err := newSSEWriter(c.Response())
	if err != nil {
		return p.errorResponse(c, "start stream", err)
	}
	w.WriteEvent(eventMessageStart, anthropicMessageStartData(ex.wire.Model, 0))
	w.WriteEvent(eventContentBlockStart, anthropicBlockStartData(0))
	w.WriteEvent(eventContentBlockDelta, anthropicTextDeltaData(0, text))
	w.WriteEvent(eventContentBlockStop, anthropicBlockStopData(0))
	w.WriteEvent(eventMessageDelta, anthropicMessageDeltaData("end_turn", 0))
	w.WriteEvent(eventMessageStop, anthropicMessageStopData())
	return nil
}

// refuseCompletion answers a tool-invocation refusal on the non-streaming
// path. The upstream already ran, so the consumed usage is recorded.
func (p *AnthropicProxy) refuseCompletion(c *echo.Context, ex *anthropicExchange, refusal *policy.Refusal, usage llm.Usage) error {
	body := anthropicMessageBody(ex.wire.Model, "end_turn",
		[]anthropicContentBlock{{Type: blockTypeText, Text: refusal.UserMessage()}},
		anthropicUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeAnthropicRefusal,
		Request:  ex.body,
		Response: body,
		Usage:    usage,
	}, refusal)
	p.pipeline.RecordUsage(ex.scopes, usage)
	return p.relayJSON(c, http.StatusOK, body)
}

// failExchange maps a pre-upstream failure and records it as a refusal-type
// interaction against the resolved agent.
func (p *AnthropicProxy) failExchange(c *echo.Context, ex *anthropicExchange, during string, err error) error {
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID: ex.agent.ID,
		ChatID:  ex.chatID,
		Type:    models.InteractionTypeAnthropicRefusal,
		Request: ex.body,
	}, err)
	return p.errorResponse(c, during, err)
}

// relayUpstreamStatus relays a non-2xx upstream response verbatim and records
// the failed exchange.
func (p *AnthropicProxy) relayUpstreamStatus(c *echo.Context, ex *anthropicExchange, resp *http.Response, body []byte) error {
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeAnthropicRefusal,
		Request:  ex.body,
		Response: body,
	}, fmt.Errorf("upstream returned status %d", resp.StatusCode))

	res := c.Response()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		res.Header().Set("Content-Type", ct)
	} else {
		res.Header().Set("Content-Type", "application/json")
	}
	res.WriteHeader(resp.StatusCode)
	_, err := res.Write(body)
	return err
}

// upstreamFailure maps transport-level upstream failures: timeouts surface
// as 504, everything else as 502.
func (p *AnthropicProxy) upstreamFailure(c *echo.Context, ex *anthropicExchange, err error) error {
	slog.Error("Upstream request failed", "agent_id", ex.agent.ID, "error", err)
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID: ex.agent.ID,
		ChatID:  ex.chatID,
		Type:    models.InteractionTypeAnthropicRefusal,
		Request: ex.body,
	}, err)
	status := http.StatusBadGateway
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	return p.relayJSON(c, status, anthropicErrorBody(anthropicErrAPI, upstreamFailureMessage(err)))
}

func upstreamFailureMessage(err error) string {
	if isTimeout(err) {
		return "upstream request timed out"
	}
	return "upstream request failed"
}

// errorResponse maps pre-upstream failures onto the Anthropic error
// envelope.
func (p *AnthropicProxy) errorResponse(c *echo.Context, during string, err error) error {
	status := statusFromError(err)
	switch status {
	case http.StatusBadRequest:
		return p.relayJSON(c, status, anthropicErrorBody(anthropicErrInvalidRequest, err.Error()))
	case http.StatusNotFound:
		return p.relayJSON(c, status, anthropicErrorBody(anthropicErrNotFound, err.Error()))
	default:
		slog.Error("Request failed before upstream call", "during", during, "error", err)
		return p.relayJSON(c, status, anthropicErrorBody(anthropicErrAPI, "internal error"))
	}
}

// relayJSON writes a pre-marshalled JSON body.
func (p *AnthropicProxy) relayJSON(c *echo.Context, status int, body []byte) error {
	res := c.Response()
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	_, err := res.Write(body)
	return err
}

// forwardHeaders copies the named inbound headers for the upstream call.
func forwardHeaders(in http.Header, names []string) http.Header {
	out := make(http.Header, len(names))
	for _, name := range names {
		if vs := in.Values(name); len(vs) > 0 {
			out[http.CanonicalHeaderKey(name)] = vs
		}
	}
	return out
}
