package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint (optional). Any service that
	// speaks the chat completions protocol works here.
	BaseURL string

	// MaxRetries is the maximum retry attempts for transient failures (default: 3).
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 1s).
	RetryDelay time.Duration
}

// OpenAIProvider speaks the chat completions protocol.
type OpenAIProvider struct {
	client     *openai.Client
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, corviderr.ErrConfig("decision provider API key not configured", nil)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		logger:     logger.With("component", "decision.openai"),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.UserContent},
		},
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolDefs(req.Tools)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
			p.logger.Debug("retrying completion", "attempt", attempt, "model", req.Model)
		}

		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			return openAIResponse(resp)
		}

		if mapped := mapStatusError(statusOf(err), err); mapped != nil {
			return Response{}, mapped
		}
		lastErr = err
		if !isRetryableError(err) {
			return Response{}, corviderr.ErrLLM("completion request failed", err)
		}
	}

	return Response{}, corviderr.ErrLLM("completion failed after retries", lastErr)
}

func convertToolDefs(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		schema := tool.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func openAIResponse(resp openai.ChatCompletionResponse) (Response, error) {
	if len(resp.Choices) == 0 {
		return Response{}, corviderr.ErrLLM("completion returned no choices", nil)
	}

	msg := resp.Choices[0].Message
	text := msg.Content
	if text == "" && len(msg.ToolCalls) > 0 {
		calls := make([]toolInvocation, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			calls = append(calls, toolInvocation{Name: tc.Function.Name, Args: args})
		}
		text = synthesizeDecision(calls)
	}

	return Response{
		Text:             text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// mapStatusError converts the two statuses the orchestrator handles
// specially into sentinels. Everything else stays a provider error.
func mapStatusError(status int, err error) error {
	switch status {
	case 402:
		return fmt.Errorf("%w: %v", ErrPaymentRequired, err)
	case 413:
		return fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "payment required") {
		return fmt.Errorf("%w: %v", ErrPaymentRequired, err)
	}
	if strings.Contains(msg, "request entity too large") || strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context") {
		return fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	retryable := []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection refused", "connection reset"}
	for _, s := range retryable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
