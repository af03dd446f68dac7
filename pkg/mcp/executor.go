package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/masking"
)

// ToolExecutor executes managed tool calls against the configured MCP
// servers and surfaces their tools as provider-facing definitions.
// One instance is shared by all proxied requests.
type ToolExecutor struct {
	client   *Client
	registry *config.MCPServerRegistry

	// Optional masking service for redacting sensitive data in tool results.
	// nil means no masking is applied.
	maskingService *masking.Service
}

// NewToolExecutor creates a new executor over an initialized client.
// maskingService may be nil (masking disabled).
func NewToolExecutor(
	client *Client,
	registry *config.MCPServerRegistry,
	maskingService *masking.Service,
) *ToolExecutor {
	return &ToolExecutor{
		client:         client,
		registry:       registry,
		maskingService: maskingService,
	}
}

// Execute runs a managed tool call via MCP.
//
// Flow:
//  1. Split and validate the server__tool name
//  2. Check the server is configured, lazily reconnect if it has no session
//  3. Decode the arguments JSON into map[string]any
//  4. Call Client.CallTool(ctx, serverID, toolName, params)
//  5. Extract text content, truncate oversized output
//  6. Apply data masking (if masking service configured)
//
// Failures are returned as error-text results, never as Go errors, so the
// model sees what went wrong and can adjust its next call.
func (e *ToolExecutor) Execute(ctx context.Context, call llm.ToolCall) *llm.ToolResult {
	serverID, toolName, err := e.resolveToolCall(call.Name)
	if err != nil {
		return &llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: err.Error(),
			IsError: true,
		}
	}

	// Servers that failed at startup get another chance here.
	if !e.client.HasSession(serverID) {
		if initErr := e.client.InitializeServer(ctx, serverID); initErr != nil {
			return &llm.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: fmt.Sprintf("MCP server %q is unavailable: %s", serverID, initErr),
				IsError: true,
			}
		}
	}

	params, err := DecodeToolArguments(call.Arguments)
	if err != nil {
		return &llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("Failed to decode tool arguments: %s", err),
			IsError: true,
		}
	}

	result, err := e.client.CallTool(ctx, serverID, toolName, params)
	if err != nil {
		return &llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("MCP tool execution failed: %s", err),
			IsError: true,
		}
	}

	content := TruncateResult(extractTextContent(result))

	if e.maskingService != nil {
		content = e.maskingService.MaskString(content)
	}

	return &llm.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: result.IsError,
	}
}

// ListTools returns all available tools from connected MCP servers with
// server-prefixed names (e.g., "github__list_issues"). Servers that fail
// to answer are skipped; partial tools are better than none.
func (e *ToolExecutor) ListTools(ctx context.Context) ([]llm.ToolDefinition, error) {
	byServer, err := e.client.ListAllTools(ctx)
	if err != nil {
		return nil, err
	}

	var allTools []llm.ToolDefinition
	for _, serverID := range e.registry.ServerIDs() {
		for _, tool := range byServer[serverID] {
			allTools = append(allTools, llm.ToolDefinition{
				Name:             JoinToolName(serverID, tool.Name),
				Description:      tool.Description,
				ParametersSchema: marshalSchema(tool.InputSchema),
			})
		}
	}
	return allTools, nil
}

// Close releases resources (MCP transports, subprocesses).
func (e *ToolExecutor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// resolveToolCall validates a tool call name against the registry.
func (e *ToolExecutor) resolveToolCall(name string) (serverID, toolName string, err error) {
	serverID, toolName, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}

	if !e.registry.Has(serverID) {
		return "", "", fmt.Errorf(
			"MCP server %q is not configured. Configured servers: %s",
			serverID, strings.Join(e.registry.ServerIDs(), ", "))
	}

	return serverID, toolName, nil
}

// extractTextContent extracts text from MCP CallToolResult.
// Concatenates all TextContent items. Non-text content (images, embedded
// resources) is logged at debug level and skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema serializes a tool's InputSchema for the provider tool
// definition. Providers require an object schema, so nil falls back to an
// empty one.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
