package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxAttempts  = 3
	initialDelay = 500 * time.Millisecond
)

// Client wraps the OpenAI-compatible chat-completions API exposed by the
// reasoning provider. All four engine tasks go through the same Complete
// call, so they share one retry contract.
type Client struct {
	api    *openai.Client
	model  string
	logger *slog.Logger
}

func NewClient(apiKey, baseURL, model string, logger *slog.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

// Complete sends one system+user exchange and returns the raw text response.
// Transport failures are retried with backoff; the final error is returned
// for the caller to treat as a soft failure.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	}

	var lastErr error
	delay := initialDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("empty completion response")
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		c.logger.Warn("reasoning call failed", "attempt", attempt, "error", err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", fmt.Errorf("reasoning call after %d attempts: %w", maxAttempts, lastErr)
}
