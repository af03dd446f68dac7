// Package api exposes the gateway's HTTP surface: the provider-compatible
// completion routes, transparent passthrough for the remaining provider
// routes, and the JSON admin API for prompts, limits, policies and audit.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/database"
	"github.com/guptadeepak8/archestra/pkg/proxy"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// Server wires the proxy surfaces and admin handlers into one HTTP server.
type Server struct {
	cfg      *config.Config
	dbClient *database.Client

	anthropic *proxy.AnthropicProxy
	openai    *proxy.OpenAIProxy

	agentService       *services.AgentService
	promptService      *services.PromptService
	agentPromptService *services.AgentPromptService
	limitService       *services.LimitService
	policyService      *services.PolicyService
	tokenPriceService  *services.TokenPriceService
	toolService        *services.ToolService
	interactionService *services.InteractionService

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	anthropic *proxy.AnthropicProxy,
	openai *proxy.OpenAIProxy,
	agentService *services.AgentService,
	promptService *services.PromptService,
	agentPromptService *services.AgentPromptService,
	limitService *services.LimitService,
	policyService *services.PolicyService,
	tokenPriceService *services.TokenPriceService,
	toolService *services.ToolService,
	interactionService *services.InteractionService,
) (*Server, error) {
	s := &Server{
		cfg:                cfg,
		dbClient:           dbClient,
		anthropic:          anthropic,
		openai:             openai,
		agentService:       agentService,
		promptService:      promptService,
		agentPromptService: agentPromptService,
		limitService:       limitService,
		policyService:      policyService,
		tokenPriceService:  tokenPriceService,
		toolService:        toolService,
		interactionService: interactionService,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger())

	if err := s.registerRoutes(e); err != nil {
		return nil, err
	}

	s.echo = e
	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// registerRoutes mounts the provider surfaces and the admin API.
func (s *Server) registerRoutes(e *echo.Echo) error {
	e.GET("/health", s.healthHandler)

	// Provider-compatible completion surfaces. The optional :agentId segment
	// pins the agent; without it the agent is derived from the User-Agent.
	e.POST("/v1/anthropic/v1/messages", s.anthropic.Messages)
	e.POST("/v1/anthropic/v1/:agentId/messages", s.anthropic.Messages)
	e.POST("/v1/openai/v1/chat/completions", s.openai.ChatCompletions)
	e.POST("/v1/openai/v1/:agentId/chat/completions", s.openai.ChatCompletions)

	// Every other provider route proxies through untouched. Exact-path
	// routes above win over the wildcard.
	anthropicPT, err := proxy.NewPassthrough("/v1/anthropic", s.cfg.Providers.AnthropicBaseURL, proxy.AnthropicUnreachableBody())
	if err != nil {
		return err
	}
	openaiPT, err := proxy.NewPassthrough("/v1/openai", s.cfg.Providers.OpenAIBaseURL, proxy.OpenAIUnreachableBody())
	if err != nil {
		return err
	}
	e.Any("/v1/anthropic", anthropicPT.Handle)
	e.Any("/v1/anthropic/*", anthropicPT.Handle)
	e.Any("/v1/openai", openaiPT.Handle)
	e.Any("/v1/openai/*", openaiPT.Handle)

	// Admin surface.
	e.POST("/v1/prompts", s.createPromptHandler)
	e.GET("/v1/prompts", s.listPromptsHandler)
	e.GET("/v1/prompts/:id", s.getPromptHandler)
	e.PUT("/v1/prompts/:id", s.updatePromptHandler)
	e.DELETE("/v1/prompts/:id", s.deletePromptHandler)

	e.GET("/v1/agents", s.listAgentsHandler)
	e.GET("/v1/agents/:id", s.getAgentHandler)
	e.GET("/v1/agents/:id/tools", s.listAgentToolsHandler)
	e.PATCH("/v1/agents/:id/tools/:toolName/trust", s.updateToolTrustHandler)

	e.PUT("/v1/agents/:agentId/prompts", s.replaceAgentPromptsHandler)
	e.GET("/v1/agents/:agentId/prompts", s.listAgentPromptsHandler)

	e.POST("/v1/limits", s.createLimitHandler)
	e.GET("/v1/limits", s.listLimitsHandler)
	e.GET("/v1/limits/:id", s.getLimitHandler)
	e.PUT("/v1/limits/:id", s.updateLimitHandler)
	e.DELETE("/v1/limits/:id", s.deleteLimitHandler)

	e.POST("/v1/trusted-data-policies", s.createTrustedDataPolicyHandler)
	e.GET("/v1/trusted-data-policies", s.listTrustedDataPoliciesHandler)
	e.GET("/v1/trusted-data-policies/:id", s.getTrustedDataPolicyHandler)
	e.DELETE("/v1/trusted-data-policies/:id", s.deleteTrustedDataPolicyHandler)
	e.POST("/v1/agents/:agentId/trusted-data-policies/:policyId", s.assignTrustedDataPolicyHandler)
	e.DELETE("/v1/agents/:agentId/trusted-data-policies/:policyId", s.unassignTrustedDataPolicyHandler)

	e.POST("/v1/tool-invocation-policies", s.createToolInvocationPolicyHandler)
	e.GET("/v1/tool-invocation-policies", s.listToolInvocationPoliciesHandler)
	e.GET("/v1/tool-invocation-policies/:id", s.getToolInvocationPolicyHandler)
	e.DELETE("/v1/tool-invocation-policies/:id", s.deleteToolInvocationPolicyHandler)

	e.PUT("/v1/token-prices", s.upsertTokenPriceHandler)
	e.GET("/v1/token-prices", s.listTokenPricesHandler)

	e.GET("/v1/interactions", s.listInteractionsHandler)
	e.GET("/v1/interactions/:id", s.getInteractionHandler)

	return nil
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
