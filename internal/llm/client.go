// Package llm wraps OpenAI chat completions for answer generation and agent
// reasoning.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

const (
	DefaultModel = string(openai.ChatModelGPT4o)

	// DefaultMaxTokens is the maximum prompt length before truncation (in tokens).
	DefaultMaxTokens = 16000

	DefaultTimeout = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client produces completions. Every failure is ErrReasoningUnavailable.
type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a chat client on top of a shared OpenAI client.
func NewClient(client *openai.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "llm"),
	}
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

// Complete returns the assistant text for a system and user prompt.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	return c.complete(ctx, system, prompt, false)
}

// CompleteJSON asks for a JSON object and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, system, prompt string, out any) error {
	content, err := c.complete(ctx, system, prompt, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return domain.Wrap(domain.ErrReasoningUnavailable, "llm.complete", c.model, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(c.truncateContent(prompt)))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(c.model),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", domain.Wrap(domain.ErrReasoningUnavailable, "llm.complete", c.model, fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", domain.Errorf(domain.ErrReasoningUnavailable, "llm.complete", c.model, "no choices returned")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", domain.Errorf(domain.ErrReasoningUnavailable, "llm.complete", c.model, "empty completion")
	}
	return content, nil
}

// truncateContent keeps the prompt within the token budget, estimated at
// 4 characters per token, without splitting a UTF-8 sequence.
func (c *Client) truncateContent(content string) string {
	maxChars := c.maxTokens * 4
	if len(content) <= maxChars {
		return content
	}

	c.logger.Warn("truncating prompt",
		"from_chars", len(content), "to_chars", maxChars, "estimated_tokens", c.maxTokens)

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

// IsUnavailable reports whether err means the model could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrReasoningUnavailable)
}
