// Package proxy implements the provider-compatible completion surfaces: it
// screens conversations through trusted-data policies, the dual-LLM
// quarantine pass and token-cost quotas, forwards them to the upstream
// provider, gates proposed tool invocations and audits every completed
// exchange.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/mcp"
	"github.com/guptadeepak8/archestra/pkg/models"
	"github.com/guptadeepak8/archestra/pkg/policy"
	"github.com/guptadeepak8/archestra/pkg/quarantine"
	"github.com/guptadeepak8/archestra/pkg/quota"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// ChatIDHeader carries the client-assigned conversation thread ID. Without
// it, tool calls resolve against the request's own messages only and no
// cross-request trust history applies.
const ChatIDHeader = "x-archestra-chat-id"

// DualLLMEventName names the SSE events carrying quarantine progress on
// streaming responses. Provider-native parsers ignore unknown event types,
// so the added events do not disturb standard clients.
const DualLLMEventName = "archestra_dual_llm"

// maxToolRounds bounds the managed-tool execution loop on non-streaming
// requests. A model still proposing tool calls after this many round trips
// gets its last response returned as-is.
const maxToolRounds = 8

// AgentResolver resolves the agent a proxied request runs as.
type AgentResolver interface {
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	GetOrCreateByName(ctx context.Context, name string) (*models.Agent, error)
}

// PromptSource lists the ordered prompt contents assigned to an agent.
type PromptSource interface {
	ListActiveContentsForAgent(ctx context.Context, agentID string) ([]string, error)
}

// ToolRegistrar records tool declarations on the agent's tool set.
type ToolRegistrar interface {
	UpsertByName(ctx context.Context, agentID string, req models.UpsertToolRequest) (*models.Tool, error)
}

// InteractionStore persists completion and refusal audit records.
type InteractionStore interface {
	Create(ctx context.Context, req models.CreateInteractionRequest) (*models.Interaction, error)
}

// QuotaChecker performs the pre-flight limit check.
type QuotaChecker interface {
	PreCheck(ctx context.Context, agentID string) (*quota.Scopes, *policy.Refusal, error)
}

// UsageRecorder accepts post-completion usage increments.
type UsageRecorder interface {
	Enqueue(update quota.UsageUpdate)
}

// ToolRunner executes managed tool calls and lists their definitions.
type ToolRunner interface {
	Execute(ctx context.Context, call llm.ToolCall) *llm.ToolResult
	ListTools(ctx context.Context) ([]llm.ToolDefinition, error)
}

// Options carries the collaborators a Pipeline is built from.
type Options struct {
	Agents       AgentResolver
	Prompts      PromptSource
	Tools        ToolRegistrar
	Interactions InteractionStore
	Policy       *policy.Engine
	Quota        QuotaChecker
	Usage        UsageRecorder

	// Executor is nil when no MCP servers are configured; managed-tool
	// injection and execution are skipped.
	Executor ToolRunner

	Providers *config.ProviderConfig

	// HTTPClient overrides the upstream client. Defaults to a client bounded
	// by the provider upstream timeout.
	HTTPClient *http.Client
}

// Pipeline is the provider-independent request lifecycle shared by the
// Anthropic and OpenAI surfaces.
type Pipeline struct {
	agents       AgentResolver
	prompts      PromptSource
	tools        ToolRegistrar
	interactions InteractionStore
	policy       *policy.Engine
	quota        QuotaChecker
	usage        UsageRecorder
	executor     ToolRunner
	providers    *config.ProviderConfig
	httpClient   *http.Client
}

// NewPipeline creates a pipeline over the given collaborators
func NewPipeline(opts Options) *Pipeline {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Providers.UpstreamTimeout}
	}
	return &Pipeline{
		agents:       opts.Agents,
		prompts:      opts.Prompts,
		tools:        opts.Tools,
		interactions: opts.Interactions,
		policy:       opts.Policy,
		quota:        opts.Quota,
		usage:        opts.Usage,
		executor:     opts.Executor,
		providers:    opts.Providers,
		httpClient:   client,
	}
}

// RequestContext derives the per-request deadline from the configured
// request timeout.
func (p *Pipeline) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.providers.RequestTimeout)
}

// ResolveAgent resolves the agent a proxied request runs as: by path ID when
// the route carries one, otherwise by get-or-create on the client's
// user-agent product name.
func (p *Pipeline) ResolveAgent(ctx context.Context, agentID, userAgent string) (*models.Agent, error) {
	if agentID != "" {
		return p.agents.GetByID(ctx, agentID)
	}
	return p.agents.GetOrCreateByName(ctx, agentNameFromUserAgent(userAgent))
}

// agentNameFromUserAgent derives a stable agent name from a User-Agent
// value: the first product token without its version, so "claude-cli/1.0
// (darwin)" and "claude-cli/1.1" map to the same agent.
func agentNameFromUserAgent(userAgent string) string {
	name := strings.TrimSpace(userAgent)
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "unknown-client"
	}
	return name
}

// CheckQuota runs the pre-flight limit check for the agent.
func (p *Pipeline) CheckQuota(ctx context.Context, agentID string) (*quota.Scopes, *policy.Refusal, error) {
	return p.quota.PreCheck(ctx, agentID)
}

// SystemPrompts returns the ordered prompt contents assigned to the agent.
func (p *Pipeline) SystemPrompts(ctx context.Context, agentID string) ([]string, error) {
	contents, err := p.prompts.ListActiveContentsForAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent prompts: %w", err)
	}
	return contents, nil
}

// RegisterTools upserts every tool declaration against the agent's tool set
// so later policy evaluation can resolve trust defaults. Re-declaring a tool
// never changes flags an admin has already set.
func (p *Pipeline) RegisterTools(ctx context.Context, agentID string, defs []llm.ToolDefinition) error {
	for _, def := range defs {
		_, err := p.tools.UpsertByName(ctx, agentID, models.UpsertToolRequest{
			AgentID:     agentID,
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.ParametersSchema,
		})
		if err != nil {
			return fmt.Errorf("failed to register tool %q: %w", def.Name, err)
		}
	}
	return nil
}

// ManagedTools lists the managed tool definitions to inject into the
// request. Listing failures degrade to an empty set; the request still
// proxies without managed tools.
func (p *Pipeline) ManagedTools(ctx context.Context) []llm.ToolDefinition {
	if p.executor == nil {
		return nil
	}
	defs, err := p.executor.ListTools(ctx)
	if err != nil {
		slog.Warn("Failed to list managed tools, continuing without them", "error", err)
		return nil
	}
	return defs
}

// TrustDecision is the outcome of the trust classification and quarantine
// passes, expressed as patches for the provider wire shape.
type TrustDecision struct {
	// Rewrites maps tool call IDs to sanitised replacement content.
	Rewrites map[string]string
	// Blocked holds tool call IDs whose results must not reach the upstream.
	Blocked map[string]bool
	// ContextTrusted is false when any tool message in the conversation was
	// classified untrusted or blocked.
	ContextTrusted bool
}

// EvaluateTrust runs trust classification over the conversation, then the
// dual-LLM quarantine pass for untrusted content. The secondary caller must
// carry the request's own upstream credential and nothing else.
func (p *Pipeline) EvaluateTrust(ctx context.Context, agentID, chatID string, messages []llm.ConversationMessage, secondary quarantine.SecondaryCaller, onProgress func(quarantine.Progress)) (*TrustDecision, error) {
	classifications, err := p.policy.EvaluatePolicies(ctx, agentID, chatID, messages)
	if err != nil {
		return nil, err
	}

	result := quarantine.NewEvaluator(secondary).EvaluateContextTrust(ctx, quarantine.Input{
		AgentID:         agentID,
		Messages:        messages,
		Classifications: classifications,
		OnProgress:      onProgress,
	})

	blocked := make(map[string]bool)
	for _, c := range classifications {
		if c.Blocked {
			blocked[c.ToolCallID] = true
		}
	}
	if chatID != "" {
		filtered, err := p.policy.FilterOutBlockedData(ctx, chatID, messages)
		if err != nil {
			return nil, err
		}
		for _, id := range droppedToolCallIDs(messages, filtered) {
			blocked[id] = true
		}
	}

	return &TrustDecision{
		Rewrites:       result.ToolResultUpdates,
		Blocked:        blocked,
		ContextTrusted: result.ContextIsTrusted,
	}, nil
}

// droppedToolCallIDs returns the IDs of tool messages present in before but
// filtered out of after.
func droppedToolCallIDs(before, after []llm.ConversationMessage) []string {
	kept := make(map[string]bool)
	for _, m := range after {
		if m.Role == llm.RoleTool {
			kept[m.ToolCallID] = true
		}
	}
	var dropped []string
	for _, m := range before {
		if m.Role == llm.RoleTool && !kept[m.ToolCallID] {
			dropped = append(dropped, m.ToolCallID)
		}
	}
	return dropped
}

// EvaluateInvocation gates the model's proposed tool calls. It runs after a
// successful upstream response, so store failures are logged and the calls
// pass through; the user keeps the completion they already paid for.
func (p *Pipeline) EvaluateInvocation(ctx context.Context, agentID string, calls []llm.ToolCall, contextTrusted bool) *policy.Refusal {
	if len(calls) == 0 {
		return nil
	}
	refusal, err := p.policy.EvaluateToolInvocation(ctx, agentID, calls, contextTrusted)
	if err != nil {
		slog.Error("Tool-invocation evaluation failed, allowing proposed calls",
			"agent_id", agentID, "error", err)
		return nil
	}
	return refusal
}

// ManagedRoundTrip reports whether the gateway itself can execute the
// proposed calls: every call must target a managed tool. Mixed proposals go
// back to the client, which owns its own tools.
func (p *Pipeline) ManagedRoundTrip(calls []llm.ToolCall) bool {
	if p.executor == nil || len(calls) == 0 {
		return false
	}
	for _, call := range calls {
		if !mcp.IsManagedToolName(call.Name) {
			return false
		}
	}
	return true
}

// ExecuteManagedCalls runs every proposed call through the MCP executor.
// Execution failures come back as error-shaped tool results so the follow-up
// turn sees them.
func (p *Pipeline) ExecuteManagedCalls(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, *p.executor.Execute(ctx, call))
	}
	return results
}

// CompletionRecord captures one finished request/response pair for audit.
// Content carries the assistant envelope so later requests in the same chat
// can resolve tool_call_ids back to the calls that issued them.
type CompletionRecord struct {
	AgentID  string
	ChatID   string
	Type     string
	Request  json.RawMessage
	Response json.RawMessage
	Content  json.RawMessage
	Usage    llm.Usage
}

// PersistCompletion records the interaction. Failures are logged and
// swallowed; the response was already delivered. Pass the inbound request
// context: when it is done the client disconnected and no audit row is
// written.
func (p *Pipeline) PersistCompletion(ctx context.Context, rec CompletionRecord) {
	p.persist(ctx, rec, nil)
}

// PersistRefusal records a refusal interaction carrying the tagged audit
// message. Refusal persistence is best-effort: a failed write is logged and
// the refusal still goes out.
func (p *Pipeline) PersistRefusal(ctx context.Context, rec CompletionRecord, refusal *policy.Refusal) {
	reason := refusal.AuditMessage()
	p.persist(ctx, rec, &reason)
}

// PersistError records a mid-stream upstream failure as a refusal-type
// interaction so the broken exchange still leaves an audit trace.
func (p *Pipeline) PersistError(ctx context.Context, rec CompletionRecord, cause error) {
	reason := cause.Error()
	p.persist(ctx, rec, &reason)
}

func (p *Pipeline) persist(ctx context.Context, rec CompletionRecord, reason *string) {
	if ctx.Err() != nil {
		slog.Info("Client disconnected, skipping interaction record",
			"agent_id", rec.AgentID, "type", rec.Type)
		return
	}
	req := models.CreateInteractionRequest{
		AgentID:      rec.AgentID,
		Type:         rec.Type,
		Request:      rec.Request,
		Response:     rec.Response,
		InputTokens:  rec.Usage.InputTokens,
		OutputTokens: rec.Usage.OutputTokens,
		Content:      rec.Content,
		Reason:       reason,
	}
	if rec.ChatID != "" {
		req.ChatID = &rec.ChatID
	}
	if _, err := p.interactions.Create(ctx, req); err != nil {
		slog.Error("Failed to persist interaction",
			"agent_id", rec.AgentID, "type", rec.Type, "error", err)
	}
}

// RecordUsage enqueues the post-completion usage increment for every limit
// scope resolved during the pre-check.
func (p *Pipeline) RecordUsage(scopes *quota.Scopes, usage llm.Usage) {
	if scopes == nil || (usage.InputTokens == 0 && usage.OutputTokens == 0) {
		return
	}
	p.usage.Enqueue(quota.UsageUpdate{
		AgentID:   scopes.AgentID,
		TeamIDs:   scopes.TeamIDs,
		OrgID:     scopes.OrgID,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
	})
}

// UpstreamPost sends a JSON body upstream with the given forwarded headers.
// The caller owns the response body.
func (p *Pipeline) UpstreamPost(ctx context.Context, url string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// statusFromError maps pre-upstream failures onto HTTP statuses.
func statusFromError(err error) int {
	if services.IsValidationError(err) {
		return http.StatusBadRequest
	}
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// isTimeout reports whether an upstream failure was a deadline expiry, which
// surfaces as a 504-shaped provider error.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

type dualLLMEvent struct {
	Type     string               `json:"type"`
	Status   string               `json:"status,omitempty"`
	Progress *quarantine.Progress `json:"progress,omitempty"`
}

func dualLLMStartedData() []byte {
	data, _ := json.Marshal(dualLLMEvent{Type: DualLLMEventName, Status: "started"})
	return data
}

func dualLLMProgressData(progress quarantine.Progress) []byte {
	data, _ := json.Marshal(dualLLMEvent{Type: DualLLMEventName, Progress: &progress})
	return data
}
