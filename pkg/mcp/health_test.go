package mcp

import (
	"context"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guptadeepak8/archestra/pkg/config"
)

// newHealthTestClient wires an in-memory session into a fresh client.
func newHealthTestClient(t *testing.T, registry *config.MCPServerRegistry, serverID string, ts *testMCPServer) *Client {
	t.Helper()

	client := newClient(registry)
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), ts.clientTransport, nil)
	require.NoError(t, err)
	client.sessions[serverID] = session
	client.clients[serverID] = sdkClient
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHealthMonitor_HealthyServer(t *testing.T) {
	ts := startTestServer(t, "test-server", map[string]mcpsdk.ToolHandler{
		"list_issues": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		},
	})

	registry := testRegistry("test-server")
	client := newHealthTestClient(t, registry, "test-server", ts)

	monitor := NewHealthMonitor(client, registry)
	monitor.checkInterval = 50 * time.Millisecond // Fast for tests
	monitor.pingTimeout = 5 * time.Second

	// Manually run a check
	monitor.checkServer(context.Background(), "test-server")

	// Verify healthy
	statuses := monitor.GetStatuses()
	require.Contains(t, statuses, "test-server")
	assert.True(t, statuses["test-server"].Healthy)
	assert.Equal(t, 1, statuses["test-server"].ToolCount)

	// IsHealthy should return true
	assert.True(t, monitor.IsHealthy())
}

func TestHealthMonitor_UnhealthyServer(t *testing.T) {
	registry := config.NewMCPServerRegistry(nil)

	// Client with no sessions (simulating connection failure)
	client := newClient(registry)

	monitor := NewHealthMonitor(client, registry)
	monitor.pingTimeout = 1 * time.Second

	// Check a non-existent server session
	monitor.checkServer(context.Background(), "broken-server")

	// Verify unhealthy
	statuses := monitor.GetStatuses()
	require.Contains(t, statuses, "broken-server")
	assert.False(t, statuses["broken-server"].Healthy)
	assert.NotEmpty(t, statuses["broken-server"].Error)

	assert.False(t, monitor.IsHealthy())
}

func TestHealthMonitor_NoStatusesNotHealthy(t *testing.T) {
	registry := config.NewMCPServerRegistry(nil)
	monitor := NewHealthMonitor(newClient(registry), registry)

	// Before the first check completes nothing is known, so not healthy.
	assert.False(t, monitor.IsHealthy())
}

func TestHealthMonitor_StartStop(t *testing.T) {
	ts := startTestServer(t, "test-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
		},
	})

	registry := testRegistry("test-server")
	client := newHealthTestClient(t, registry, "test-server", ts)

	monitor := NewHealthMonitor(client, registry)
	monitor.checkInterval = 50 * time.Millisecond

	ctx := context.Background()
	monitor.Start(ctx)

	// Poll until at least one check has run (avoids timing-dependent flakes on slow CI)
	require.Eventually(t, func() bool {
		statuses := monitor.GetStatuses()
		_, ok := statuses["test-server"]
		return ok
	}, 2*time.Second, 25*time.Millisecond, "health check should have run at least once")

	monitor.Stop()

	// Statuses are cleared so a restart begins fresh
	assert.Empty(t, monitor.GetStatuses())
}
