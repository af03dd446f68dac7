// Archestra gateway server — proxies Anthropic and OpenAI completion
// traffic through trust policies, quarantine and quotas, and serves the
// admin API over the same port.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/guptadeepak8/archestra/pkg/api"
	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/database"
	"github.com/guptadeepak8/archestra/pkg/masking"
	"github.com/guptadeepak8/archestra/pkg/mcp"
	"github.com/guptadeepak8/archestra/pkg/policy"
	"github.com/guptadeepak8/archestra/pkg/proxy"
	"github.com/guptadeepak8/archestra/pkg/quota"
	"github.com/guptadeepak8/archestra/pkg/services"
	"github.com/guptadeepak8/archestra/pkg/version"
)

// setupLogging installs the default slog handler with the level taken from
// LOG_LEVEL (debug, info, warn, error).
func setupLogging() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	// Load .env before anything reads the environment
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file loaded, using process environment")
	}
	setupLogging()

	ctx := context.Background()

	slog.Info("Starting archestra", "version", version.GitCommit)

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	maskingService := masking.NewService()

	orgService := services.NewOrganizationService(dbClient.DB())
	agentService := services.NewAgentService(dbClient.DB())
	promptService := services.NewPromptService(dbClient.DB())
	agentPromptService := services.NewAgentPromptService(dbClient.DB())
	limitService := services.NewLimitService(dbClient.DB())
	policyService := services.NewPolicyService(dbClient.DB())
	tokenPriceService := services.NewTokenPriceService(dbClient.DB())
	toolService := services.NewToolService(dbClient.DB())
	interactionService := services.NewInteractionService(dbClient.DB(), maskingService)
	slog.Info("Services initialized")

	// 4. Default organization seed
	org, err := orgService.EnsureDefault(ctx, cfg.Admin.DefaultAdminEmail, cfg.Admin.DefaultCleanupInterval)
	if err != nil {
		slog.Error("Failed to ensure default organization", "error", err)
		os.Exit(1)
	}
	slog.Info("Default organization ready", "org_id", org.ID)

	// 5. Policy engine
	policyEngine := policy.NewEngine(toolService, policyService, interactionService)

	// 6. Managed tool execution via MCP.
	// Eager validation: a configured server that cannot connect fails
	// startup rather than surfacing as per-request tool errors.
	var toolExecutor *mcp.ToolExecutor
	if serverIDs := cfg.MCPServers.ServerIDs(); len(serverIDs) > 0 {
		factory := mcp.NewClientFactory(cfg.MCPServers)
		executor, mcpClient, mcpErr := factory.CreateToolExecutor(ctx, maskingService)
		if mcpErr != nil {
			slog.Error("MCP startup validation failed", "error", mcpErr)
			os.Exit(1)
		}
		if failed := mcpClient.FailedServers(); len(failed) > 0 {
			slog.Error("MCP servers failed startup validation", "failed_servers", failed)
			_ = mcpClient.Close()
			os.Exit(1)
		}
		defer func() {
			if err := mcpClient.Close(); err != nil {
				slog.Error("Error closing MCP client", "error", err)
			}
		}()
		toolExecutor = executor

		// Background health probes keep sessions alive between tool rounds.
		healthMonitor := mcp.NewHealthMonitor(mcpClient, cfg.MCPServers)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()

		slog.Info("MCP servers validated", "count", len(serverIDs))
	}

	// 7. Quota enforcement
	enforcer := quota.NewEnforcer(agentService, orgService, limitService, tokenPriceService)
	updater := quota.NewUpdater(limitService, cfg.Quota)
	updater.Start()

	sweeper := quota.NewSweeper(cfg.Quota.SweepInterval, orgService, limitService)
	sweeper.Start(ctx)

	// 8. Proxy pipeline and provider surfaces
	opts := proxy.Options{
		Agents:       agentService,
		Prompts:      agentPromptService,
		Tools:        toolService,
		Interactions: interactionService,
		Policy:       policyEngine,
		Quota:        enforcer,
		Usage:        updater,
		Providers:    cfg.Providers,
	}
	if toolExecutor != nil {
		opts.Executor = toolExecutor
	}
	pipeline := proxy.NewPipeline(opts)
	anthropicProxy := proxy.NewAnthropicProxy(pipeline, cfg.Providers, cfg.Quarantine)
	openaiProxy := proxy.NewOpenAIProxy(pipeline, cfg.Providers, cfg.Quarantine)

	// 9. HTTP server
	httpServer, err := api.NewServer(cfg, dbClient,
		anthropicProxy, openaiProxy,
		agentService, promptService, agentPromptService, limitService,
		policyService, tokenPriceService, toolService, interactionService)
	if err != nil {
		slog.Error("Failed to build HTTP server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Archestra started successfully",
		"anthropic_upstream", cfg.Providers.AnthropicBaseURL,
		"openai_upstream", cfg.Providers.OpenAIBaseURL)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop the sweep, drain queued usage updates,
	// then stop accepting traffic.
	sweeper.Stop()
	updater.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
