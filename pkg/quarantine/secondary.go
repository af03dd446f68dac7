package quarantine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// secondaryMaxTokens caps the reply; a candidate index is a few characters.
const secondaryMaxTokens = 16

// AnthropicCaller asks the quarantine question through the Anthropic
// Messages API. Each caller is built per request with the request's own
// upstream key and a dedicated HTTP client, so nothing from the primary
// conversation leaks across.
type AnthropicCaller struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCaller creates a caller for the configured quarantine model.
func NewAnthropicCaller(apiKey, baseURL, model string, timeout time.Duration) *AnthropicCaller {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicCaller{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Ask performs one non-streaming Messages call and returns the text reply.
func (c *AnthropicCaller) Ask(ctx context.Context, system, user string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: secondaryMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call quarantine model: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// OpenAICaller asks the quarantine question through the OpenAI Chat
// Completions API, mirroring the Anthropic caller's per-request isolation.
type OpenAICaller struct {
	client *openai.Client
	model  string
}

// NewOpenAICaller creates a caller for the configured quarantine model.
func NewOpenAICaller(apiKey, baseURL, model string, timeout time.Duration) *OpenAICaller {
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}
	return &OpenAICaller{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Ask performs one non-streaming chat completion and returns the text reply.
func (c *OpenAICaller) Ask(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: secondaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call quarantine model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("quarantine model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
