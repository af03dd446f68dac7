package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/policy"
	"github.com/guptadeepak8/archestra/pkg/quarantine"
	"github.com/guptadeepak8/archestra/pkg/quota"
)

// OpenAI error envelope types.
const (
	openaiErrInvalidRequest = "invalid_request_error"
	openaiErrServer         = "server_error"
)

// openaiForwardHeaders are the inbound headers forwarded upstream.
var openaiForwardHeaders = []string{"Authorization", "OpenAI-Organization", "OpenAI-Project", "OpenAI-Beta"}

// doneData is the Chat Completions stream terminator payload.
var doneData = []byte("[DONE]")

// OpenAIProxy serves the Chat Completions-compatible surface:
// POST /v1/chat/completions and POST /v1/agents/:agentId/chat/completions.
type OpenAIProxy struct {
	pipeline *Pipeline
	baseURL  string

	// newSecondary builds the per-request quarantine caller from the
	// request's own upstream key.
	newSecondary func(apiKey string) quarantine.SecondaryCaller
}

// NewOpenAIProxy creates the OpenAI-compatible proxy surface.
func NewOpenAIProxy(pipeline *Pipeline, providers *config.ProviderConfig, quarCfg *config.QuarantineConfig) *OpenAIProxy {
	return &OpenAIProxy{
		pipeline: pipeline,
		baseURL:  strings.TrimSuffix(providers.OpenAIBaseURL, "/"),
		newSecondary: func(apiKey string) quarantine.SecondaryCaller {
			return quarantine.NewOpenAICaller(apiKey, providers.OpenAIBaseURL, quarCfg.OpenAIModel, quarCfg.Timeout)
		},
	}
}

// openaiExchange is the per-request state threaded through the forward and
// stream paths.
type openaiExchange struct {
	wire    *openaiRequest
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

// ChatCompletions handles a Chat Completions request end to end.
func (p *OpenAIProxy) ChatCompletions(c *echo.Context) error {
	req := c.Request()
	reqCtx := req.Context()
	ctx, cancel := p.pipeline.RequestContext(reqCtx)
	defer cancel()

	auth := req.Header.Get("Authorization")
	if auth == "" {
		return p.relayJSON(c, http.StatusUnauthorized,
			openaiErrorBody(openaiErrInvalidRequest, "missing Authorization header"))
	}
	apiKey := strings.TrimPrefix(auth, "Bearer ")

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return p.relayJSON(c, http.StatusBadRequest,
			openaiErrorBody(openaiErrInvalidRequest, "failed to read request body"))
	}

	wire, err := parseOpenAIRequest(body)
	if err != nil {
		return p.relayJSON(c, http.StatusBadRequest,
			openaiErrorBody(openaiErrInvalidRequest, err.Error()))
	}
	if wire.Model == "" {
		return p.relayJSON(c, http.StatusBadRequest,
			openaiErrorBody(openaiErrInvalidRequest, "model is required"))
	}
	if len(wire.Messages) == 0 {
		return p.relayJSON(c, http.StatusBadRequest,
			openaiErrorBody(openaiErrInvalidRequest, "messages is required"))
	}

	agent, err := p.pipeline.ResolveAgent(ctx, c.Param("agentId"), req.UserAgent())
	if err != nil {
		return p.errorResponse(c, "resolve agent", err)
	}

	ex := &openaiExchange{
		wire:    wire,
		body:    body,
		agent:   agent,
		chatID:  req.Header.Get(ChatIDHeader),
		headers: forwardHeaders(req.Header, openaiForwardHeaders),
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

// forward handles the non-streaming path, including managed-tool round trips.
func (p *OpenAIProxy) forward(ctx context.Context, c *echo.Context, ex *openaiExchange) error {
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

		resp, err := p.pipeline.UpstreamPost(ctx, p.baseURL+"/v1/chat/completions", upstreamBody, ex.headers)
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

		parsed, err := parseOpenAIResponse(respBody)
		if err != nil {
			slog.Error("Failed to decode upstream response", "agent_id", ex.agent.ID, "error", err)
			p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
				AgentID: ex.agent.ID,
				ChatID:  ex.chatID,
				Type:    models.InteractionTypeOpenAIRefusal,
				Request: ex.body,
			}, err)
			return p.relayJSON(c, http.StatusBadGateway,
				openaiErrorBody(openaiErrServer, "invalid upstream response"))
		}
		usage.InputTokens += parsed.Usage.PromptTokens
		usage.OutputTokens += parsed.Usage.CompletionTokens

		calls := parsed.ToolCalls()
		if refusal := p.pipeline.EvaluateInvocation(ctx, ex.agent.ID, calls, contextTrusted); refusal != nil {
			return p.refuseCompletion(c, ex, refusal, usage)
		}

		if round < maxToolRounds && p.pipeline.ManagedRoundTrip(calls) {
			ex.wire.AppendAssistantMessage(parsed.Message)
			results := p.pipeline.ExecuteManagedCalls(ctx, calls)
			ex.wire.AppendToolResults(results)

			tailDecision, err := p.pipeline.EvaluateTrust(ctx, ex.agent.ID, ex.chatID,
				managedTailMessages(calls, results), secondary, nil)
			if err != nil {
				return p.failExchange(c, ex, "policy evaluation", err)
			}
			ex.wire.ApplyToolResultUpdates(tailDecision.Rewrites)
			ex.wire.DropBlockedToolResults(tailDecision.Blocked)
			contextTrusted = contextTrusted && tailDecision.ContextTrusted
			continue
		}

		p.pipeline.PersistCompletion(ex.reqCtx, CompletionRecord{
			AgentID:  ex.agent.ID,
			ChatID:   ex.chatID,
			Type:     models.InteractionTypeOpenAICompletions,
			Request:  ex.body,
			Response: respBody,
			Content:  parsed.AssistantEnvelope(),
			Usage:    usage,
		})
		p.pipeline.RecordUsage(ex.scopes, usage)
		return p.relayJSON(c, http.StatusOK, respBody)
	}
}

// stream handles the streaming path. Chat Completions streams are data-only
// SSE, so the dual-LLM started and progress payloads travel as unnamed
// events ahead of the first chunk.
func (p *OpenAIProxy) stream(ctx context.Context, c *echo.Context, ex *openaiExchange) error {
	w, err := newSSEWriter(c.Response())
	if err != nil {
		return p.errorResponse(c, "start stream", err)
	}

	w.WriteEvent("", dualLLMStartedData())

	decision, err := p.pipeline.EvaluateTrust(ctx, ex.agent.ID, ex.chatID, ex.wire.InternalMessages(),
		p.newSecondary(ex.apiKey), func(progress quarantine.Progress) {
			w.WriteEvent("", dualLLMProgressData(progress))
		})
	if err != nil {
		slog.Error("Policy evaluation failed mid-stream", "agent_id", ex.agent.ID, "error", err)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID: ex.agent.ID,
			ChatID:  ex.chatID,
			Type:    models.InteractionTypeOpenAIRefusal,
			Request: ex.body,
		}, err)
		w.WriteEvent("", openaiErrorBody(openaiErrServer, "policy evaluation failed"))
		w.WriteDone()
		return nil
	}
	ex.wire.ApplyToolResultUpdates(decision.Rewrites)
	ex.wire.DropBlockedToolResults(decision.Blocked)

	upstreamBody, err := ex.wire.UpstreamBody(true)
	if err != nil {
		w.WriteEvent("", openaiErrorBody(openaiErrInvalidRequest, err.Error()))
		w.WriteDone()
		return nil
	}

	resp, err := p.pipeline.UpstreamPost(ctx, p.baseURL+"/v1/chat/completions", upstreamBody, ex.headers)
	if err != nil {
		slog.Error("Upstream request failed mid-stream", "agent_id", ex.agent.ID, "error", err)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID: ex.agent.ID,
			ChatID:  ex.chatID,
			Type:    models.InteractionTypeOpenAIRefusal,
			Request: ex.body,
		}, err)
		w.WriteEvent("", openaiErrorBody(openaiErrServer, upstreamFailureMessage(err)))
		w.WriteDone()
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		statusErr := fmt.Errorf("upstream returned status %d", resp.StatusCode)
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID:  ex.agent.ID,
			ChatID:   ex.chatID,
			Type:     models.InteractionTypeOpenAIRefusal,
			Request:  ex.body,
			Response: errBody,
		}, statusErr)
		if json.Valid(errBody) {
			w.WriteEvent("", errBody)
		} else {
			w.WriteEvent("", openaiErrorBody(openaiErrServer, statusErr.Error()))
		}
		w.WriteDone()
		return nil
	}

	p.relayStream(ctx, w, ex, decision, resp)
	return nil
}

// openaiStreamTool accumulates one proposed function call as its argument
// deltas arrive.
type openaiStreamTool struct {
	id   string
	name string
	args strings.Builder
}

// openaiStreamState accumulates an upstream chunk stream. Text chunks
// forward live; chunks carrying tool_calls are held back until the
// invocation verdict, as are the finish and usage chunks.
type openaiStreamState struct {
	id           string
	model        string
	finishReason string
	text         strings.Builder
	usage        openaiUsage

	toolOrder []int
	tools     map[int]*openaiStreamTool

	buffered   []sseEvent
	heldFinish []sseEvent
	heldUsage  []sseEvent
}

func (s *openaiStreamState) llmUsage() llm.Usage {
	return llm.Usage{InputTokens: s.usage.PromptTokens, OutputTokens: s.usage.CompletionTokens}
}

// toolCalls returns the completed function calls in first-seen order.
func (s *openaiStreamState) toolCalls() []llm.ToolCall {
	var calls []llm.ToolCall
	for _, idx := range s.toolOrder {
		t := s.tools[idx]
		args := t.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{ID: t.id, Name: t.name, Arguments: args})
	}
	return calls
}

// assistantEnvelope renders the accumulated completion as a persisted
// assistant envelope.
func (s *openaiStreamState) assistantEnvelope() json.RawMessage {
	env, err := llm.ConversationMessage{
		Role:      llm.RoleAssistant,
		Content:   s.text.String(),
		ToolCalls: s.toolCalls(),
	}.Envelope()
	if err != nil {
		return nil
	}
	return env
}

// responseBody reconstructs the streamed completion as a native response
// body for the audit record.
func (s *openaiStreamState) responseBody(model, finishReason string) []byte {
	message := map[string]any{"role": llm.RoleAssistant}
	if text := s.text.String(); text != "" {
		message["content"] = text
	} else {
		message["content"] = nil
	}
	if len(s.toolOrder) > 0 {
		var toolCalls []openaiToolCall
		for _, idx := range s.toolOrder {
			t := s.tools[idx]
			args := t.args.String()
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openaiToolCall{
				ID:       t.id,
				Type:     "function",
				Function: openaiFunctionCall{Name: t.name, Arguments: args},
			})
		}
		message["tool_calls"] = toolCalls
	}

	id := s.id
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
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": s.usage,
	})
	return body
}

// relayStream forwards the upstream chunk stream, buffering tool-call chunks
// until the invocation policies have ruled on them.
func (p *OpenAIProxy) relayStream(ctx context.Context, w *sseWriter, ex *openaiExchange, decision *TrustDecision, resp *http.Response) {
	state := &openaiStreamState{
		tools: make(map[int]*openaiStreamTool),
	}

	dec := ssestream.NewDecoder(resp)
	for dec.Next() {
		ev := dec.Event()
		data := append([]byte(nil), ev.Data...)

		if bytes.Equal(bytes.TrimSpace(data), doneData) {
			break
		}

		var payload openaiStreamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			w.WriteEvent("", data)
			continue
		}
		if state.id == "" {
			state.id = payload.ID
		}
		if state.model == "" {
			state.model = payload.Model
		}

		if len(payload.Choices) == 0 {
			// Usage chunk: requested from the upstream unconditionally, but
			// forwarded only when the client asked for it.
			if payload.Usage != nil {
				state.usage = *payload.Usage
			}
			state.heldUsage = append(state.heldUsage, sseEvent{data: data})
			continue
		}

		choice := payload.Choices[0]
		switch {
		case len(choice.Delta.ToolCalls) > 0:
			for _, tc := range choice.Delta.ToolCalls {
				t := state.tools[tc.Index]
				if t == nil {
					t = &openaiStreamTool{}
					state.tools[tc.Index] = t
					state.toolOrder = append(state.toolOrder, tc.Index)
				}
				if tc.ID != "" {
					t.id = tc.ID
				}
				if tc.Function.Name != "" {
					t.name = tc.Function.Name
				}
				t.args.WriteString(tc.Function.Arguments)
			}
			state.buffered = append(state.buffered, sseEvent{data: data})

		case choice.FinishReason != nil:
			state.finishReason = *choice.FinishReason
			state.heldFinish = append(state.heldFinish, sseEvent{data: data})

		default:
			state.text.WriteString(choice.Delta.Content)
			w.WriteEvent("", data)
		}
	}

	if err := dec.Err(); err != nil {
		slog.Error("Upstream stream broke", "agent_id", ex.agent.ID, "error", err)
		w.WriteEvent("", openaiFinishChunkData(state.id, state.model, "error"))
		w.WriteDone()
		p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
			AgentID:  ex.agent.ID,
			ChatID:   ex.chatID,
			Type:     models.InteractionTypeOpenAICompletions,
			Request:  ex.body,
			Response: state.responseBody(ex.wire.Model, "error"),
			Usage:    state.llmUsage(),
		}, err)
		return
	}

	calls := state.toolCalls()
	if refusal := p.pipeline.EvaluateInvocation(ctx, ex.agent.ID, calls, decision.ContextTrusted); refusal != nil {
		p.refuseStream(w, ex, state, refusal)
		return
	}

	for _, ev := range state.buffered {
		w.WriteEvent("", ev.data)
	}
	for _, ev := range state.heldFinish {
		w.WriteEvent("", ev.data)
	}
	if ex.wire.WantsUsageChunk() {
		for _, ev := range state.heldUsage {
			w.WriteEvent("", ev.data)
		}
	}
	w.WriteDone()

	p.pipeline.PersistCompletion(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeOpenAICompletions,
		Request:  ex.body,
		Response: state.responseBody(ex.wire.Model, state.finishReason),
		Content:  state.assistantEnvelope(),
		Usage:    state.llmUsage(),
	})
	p.pipeline.RecordUsage(ex.scopes, state.llmUsage())
}

// refuseStream suppresses the buffered tool-call chunks and closes the
// stream with the refusal as synthesized content.
func (p *OpenAIProxy) refuseStream(w *sseWriter, ex *openaiExchange, state *openaiStreamState, refusal *policy.Refusal) {
	text := refusal.UserMessage()
	id := state.id
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}
	model := state.model
	if model == "" {
		model = ex.wire.Model
	}

	w.WriteEvent("", openaiTextChunkData(id, model, text))
	w.WriteEvent("", openaiFinishChunkData(id, model, "stop"))
	if ex.wire.WantsUsageChunk() {
		w.WriteEvent("", openaiUsageChunkData(id, model, state.usage))
	}
	w.WriteDone()

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeOpenAIRefusal,
		Request:  ex.body,
		Response: openaiCompletionBody(id, model, "stop", text, state.usage),
		Usage:    state.llmUsage(),
	}, refusal)
	p.pipeline.RecordUsage(ex.scopes, state.llmUsage())
}

// refuseQuota answers a quota refusal in the shape the client asked for: a
// native 200 response, or a complete synthetic chunk stream when stream was
// set.
func (p *OpenAIProxy) refuseQuota(c *echo.Context, ex *openaiExchange, refusal *policy.Refusal) error {
	text := refusal.UserMessage()
	body := openaiRefusalBody(ex.wire.Model, text)

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeOpenAIRefusal,
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
	id := "chatcmpl-" + uuid.New().String()
	w.WriteEvent("", openaiRoleChunkData(id, ex.wire.Model))
	w.WriteEvent("", openaiTextChunkData(id, ex.wire.Model, text))
	w.WriteEvent("", openaiFinishChunkData(id, ex.wire.Model, "stop"))
	w.WriteDone()
	return nil
}

// refuseCompletion answers a tool-invocation refusal on the non-streaming
// path. The upstream already ran, so the consumed usage is recorded.
func (p *OpenAIProxy) refuseCompletion(c *echo.Context, ex *openaiExchange, refusal *policy.Refusal, usage llm.Usage) error {
	body := openaiCompletionBody("", ex.wire.Model, "stop", refusal.UserMessage(), openaiUsage{
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens,
	})

	p.pipeline.PersistRefusal(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeOpenAIRefusal,
		Request:  ex.body,
		Response: body,
		Usage:    usage,
	}, refusal)
	p.pipeline.RecordUsage(ex.scopes, usage)
	return p.relayJSON(c, http.StatusOK, body)
}

// failExchange maps a pre-upstream failure and records it as a refusal-type
// interaction against the resolved agent.
func (p *OpenAIProxy) failExchange(c *echo.Context, ex *openaiExchange, during string, err error) error {
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID: ex.agent.ID,
		ChatID:  ex.chatID,
		Type:    models.InteractionTypeOpenAIRefusal,
		Request: ex.body,
	}, err)
	return p.errorResponse(c, during, err)
}

// relayUpstreamStatus relays a non-2xx upstream response verbatim and records
// the failed exchange.
func (p *OpenAIProxy) relayUpstreamStatus(c *echo.Context, ex *openaiExchange, resp *http.Response, body []byte) error {
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID:  ex.agent.ID,
		ChatID:   ex.chatID,
		Type:     models.InteractionTypeOpenAIRefusal,
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
func (p *OpenAIProxy) upstreamFailure(c *echo.Context, ex *openaiExchange, err error) error {
	slog.Error("Upstream request failed", "agent_id", ex.agent.ID, "error", err)
	p.pipeline.PersistError(ex.reqCtx, CompletionRecord{
		AgentID: ex.agent.ID,
		ChatID:  ex.chatID,
		Type:    models.InteractionTypeOpenAIRefusal,
		Request: ex.body,
	}, err)
	status := http.StatusBadGateway
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	return p.relayJSON(c, status, openaiErrorBody(openaiErrServer, upstreamFailureMessage(err)))
}

// errorResponse maps pre-upstream failures onto the OpenAI error envelope.
func (p *OpenAIProxy) errorResponse(c *echo.Context, during string, err error) error {
	status := statusFromError(err)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return p.relayJSON(c, status, openaiErrorBody(openaiErrInvalidRequest, err.Error()))
	default:
		slog.Error("Request failed before upstream call", "during", during, "error", err)
		return p.relayJSON(c, status, openaiErrorBody(openaiErrServer, "internal error"))
	}
}

// relayJSON writes a pre-marshalled JSON body.
func (p *OpenAIProxy) relayJSON(c *echo.Context, status int, body []byte) error {
	res := c.Response()
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	_, err := res.Write(body)
	return err
}
