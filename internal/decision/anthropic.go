package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// MaxRetries is the maximum retry attempts for transient failures (default: 3).
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 1s).
	RetryDelay time.Duration
}

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates a provider backed by the Anthropic SDK.
func NewAnthropicProvider(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicProvider, error) {
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

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		logger:     logger.With("component", "decision.anthropic"),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserContent)),
		},
	}

	// System prompt lives outside the message list in this API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return Response{}, corviderr.ErrLLM("failed to convert tools", err)
		}
		params.Tools = tools
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
			p.logger.Debug("retrying completion", "attempt", attempt, "model", req.Model)
		}

		msg, err := p.client.Messages.New(ctx, params)
		if err == nil {
			return anthropicResponse(msg), nil
		}

		status := anthropicStatus(err)
		if mapped := mapStatusError(status, err); mapped != nil {
			return Response{}, mapped
		}
		lastErr = err
		if status != 429 && status < 500 && !isRetryableError(err) {
			return Response{}, corviderr.ErrLLM("completion request failed", err)
		}
	}

	return Response{}, corviderr.ErrLLM("completion failed after retries", lastErr)
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func anthropicResponse(msg *anthropic.Message) Response {
	var text string
	var calls []toolInvocation
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if raw := variant.JSON.Input.Raw(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			calls = append(calls, toolInvocation{Name: variant.Name, Args: args})
		}
	}
	if text == "" && len(calls) > 0 {
		text = synthesizeDecision(calls)
	}
	return Response{
		Text:             text,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
