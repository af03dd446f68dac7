package mcp

import (
	"context"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/masking"
)

// ClientFactory creates Client instances. The gateway uses it once at startup
// for the shared execution client; tests use it to wire in-memory sessions.
type ClientFactory struct {
	registry *config.MCPServerRegistry

	// createClientFn overrides client creation in tests. nil means the real
	// Initialize() transport path.
	createClientFn func(ctx context.Context, serverIDs []string) (*Client, error)
}

// NewClientFactory creates a new factory.
func NewClientFactory(registry *config.MCPServerRegistry) *ClientFactory {
	return &ClientFactory{registry: registry}
}

// CreateClient creates a new Client connected to the specified servers.
// The caller is responsible for calling Close() when done.
func (f *ClientFactory) CreateClient(ctx context.Context, serverIDs []string) (*Client, error) {
	if f.createClientFn != nil {
		return f.createClientFn(ctx, serverIDs)
	}
	client := newClient(f.registry)
	if err := client.Initialize(ctx, serverIDs); err != nil {
		_ = client.Close() // Clean up partial initialization
		return nil, err
	}
	return client, nil
}

// CreateToolExecutor creates the shared ToolExecutor connected to every
// configured server. This is the primary entry point used at startup.
// maskingService may be nil.
func (f *ClientFactory) CreateToolExecutor(
	ctx context.Context,
	maskingService *masking.Service,
) (*ToolExecutor, *Client, error) {
	client, err := f.CreateClient(ctx, f.registry.ServerIDs())
	if err != nil {
		return nil, nil, err
	}
	return NewToolExecutor(client, f.registry, maskingService), client, nil
}
