// Package config loads and validates gateway configuration from environment
// variables plus an optional MCP servers YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the application.
type Config struct {
	Server     *ServerConfig
	Providers  *ProviderConfig
	Quarantine *QuarantineConfig
	Quota      *QuotaConfig
	Admin      *AdminConfig

	// MCPServers declares the managed-tool execution endpoints.
	// Loaded from MCP_SERVERS_FILE when set; empty registry otherwise.
	MCPServers *MCPServerRegistry
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderConfig holds upstream provider settings.
type ProviderConfig struct {
	AnthropicBaseURL string
	OpenAIBaseURL    string

	// RequestTimeout bounds one whole proxied request.
	RequestTimeout time.Duration
	// UpstreamTimeout bounds a single upstream call inside a request.
	UpstreamTimeout time.Duration
}

// QuarantineConfig holds the secondary (dual-LLM) model settings. The
// secondary call always uses the upstream key carried by the request; only
// the model identifier and deadline come from configuration.
type QuarantineConfig struct {
	AnthropicModel string
	OpenAIModel    string
	Timeout        time.Duration
}

// AdminConfig holds startup seed values.
type AdminConfig struct {
	DefaultAdminEmail    string
	DefaultAdminPassword string

	// DefaultCleanupInterval is applied to organizations created by the
	// startup seed.
	DefaultCleanupInterval models.CleanupInterval
}

// Load builds the configuration from environment variables and the optional
// MCP servers file. Call godotenv.Load before this in main.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("PORT", "9000"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cfg := &Config{
		Server: &ServerConfig{
			Host: getEnvOrDefault("HOST", "0.0.0.0"),
			Port: port,
		},
		Providers: &ProviderConfig{
			AnthropicBaseURL: getEnvOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			OpenAIBaseURL:    getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
			RequestTimeout:   getDurationOrDefault("REQUEST_TIMEOUT", 5*time.Minute),
			UpstreamTimeout:  getDurationOrDefault("UPSTREAM_TIMEOUT", 2*time.Minute),
		},
		Quarantine: &QuarantineConfig{
			AnthropicModel: getEnvOrDefault("QUARANTINE_ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			OpenAIModel:    getEnvOrDefault("QUARANTINE_OPENAI_MODEL", "gpt-4o-mini"),
			Timeout:        getDurationOrDefault("QUARANTINE_TIMEOUT", 30*time.Second),
		},
		Quota: LoadQuotaConfigFromEnv(),
		Admin: &AdminConfig{
			DefaultAdminEmail:      getEnvOrDefault("DEFAULT_ADMIN_EMAIL", "admin@localhost"),
			DefaultAdminPassword:   os.Getenv("DEFAULT_ADMIN_PASSWORD"),
			DefaultCleanupInterval: models.CleanupInterval(getEnvOrDefault("DEFAULT_LIMIT_CLEANUP_INTERVAL", string(models.DefaultCleanupInterval))),
		},
		MCPServers: NewMCPServerRegistry(nil),
	}

	if path := os.Getenv("MCP_SERVERS_FILE"); path != "" {
		registry, err := LoadMCPServers(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load MCP servers file: %w", err)
		}
		cfg.MCPServers = registry
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Component: "server", Field: "port", Err: ErrInvalidValue}
	}
	if c.Providers.AnthropicBaseURL == "" {
		return &ValidationError{Component: "providers", Field: "anthropic_base_url", Err: ErrMissingRequiredField}
	}
	if c.Providers.OpenAIBaseURL == "" {
		return &ValidationError{Component: "providers", Field: "openai_base_url", Err: ErrMissingRequiredField}
	}
	if c.Providers.UpstreamTimeout > c.Providers.RequestTimeout {
		return &ValidationError{Component: "providers", Field: "upstream_timeout", Err: ErrInvalidValue}
	}
	if !c.Admin.DefaultCleanupInterval.IsValid() {
		return &ValidationError{Component: "admin", Field: "default_limit_cleanup_interval", Err: ErrInvalidValue}
	}
	if err := c.Quota.Validate(); err != nil {
		return err
	}
	for id, server := range c.MCPServers.GetAll() {
		if !server.Transport.Type.IsValid() {
			return &ValidationError{Component: "mcp_server", ID: id, Field: "transport.type", Err: ErrInvalidValue}
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
