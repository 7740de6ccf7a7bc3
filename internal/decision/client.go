// Package decision maps a payload and tool catalog to a DecisionResult
// through an external model service. It is the only component that
// speaks the model's loose output schema; parsing is best-effort and
// never fails a cycle.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Sentinel errors the orchestrator reacts to. Payment failures propagate
// so the orchestrator can fall back to another model profile; everything
// else degrades to an empty decision.
var (
	ErrPaymentRequired = errors.New("decision: payment required")
	ErrPayloadTooLarge = errors.New("decision: payload too large")
)

// ToolDef describes one tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single completion request to a model service.
type Request struct {
	Model       string
	System      string
	UserContent string
	Tools       []ToolDef
	Temperature float32
	MaxTokens   int
}

// Response is the raw outcome of a completion request.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Provider sends one request to a model service and returns raw text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config selects models and bounds for the decision service.
type Config struct {
	// Model is the decision profile.
	Model string

	// SummaryModel is the cheap profile used for node summaries.
	SummaryModel string

	Temperature float32
	MaxTokens   int

	// MaxActions caps selected_actions per cycle.
	MaxActions int

	// SummaryMaxTokens bounds summary generation.
	SummaryMaxTokens int
}

// DefaultConfig returns the default decision bounds.
func DefaultConfig() Config {
	return Config{
		Temperature:      0.7,
		MaxTokens:        4096,
		MaxActions:       3,
		SummaryMaxTokens: 256,
	}
}

// Service turns payloads into decisions and content into summaries,
// degrading to an empty decision when the provider misbehaves.
type Service struct {
	provider Provider
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	dumper   *Dumper
}

// NewService creates a decision service. dumper may be nil.
func NewService(provider Provider, config Config, dumper *Dumper, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if config.MaxActions <= 0 {
		config.MaxActions = DefaultConfig().MaxActions
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultConfig().MaxTokens
	}
	if config.SummaryMaxTokens <= 0 {
		config.SummaryMaxTokens = DefaultConfig().SummaryMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		config:   config,
		logger:   logger.With("component", "decision.service"),
		metrics:  metrics,
		dumper:   dumper,
	}
}

// Decide sends the payload to the decision profile and parses the
// response. The returned raw text is kept for the state-change record.
// Only payment failures return an error; every other failure yields an
// empty decision so the cycle ends cleanly.
func (s *Service) Decide(ctx context.Context, system string, payload []byte, tools []ToolDef) (*models.DecisionResult, string, error) {
	return s.decide(ctx, s.config.Model, system, payload, tools, true)
}

// DecideWithSummaryModel runs a decision on the summary profile. The
// orchestrator falls back to it for one cycle when the decision profile
// reports a payment failure; a second payment failure degrades to an
// empty decision instead of erroring again.
func (s *Service) DecideWithSummaryModel(ctx context.Context, system string, payload []byte, tools []ToolDef) (*models.DecisionResult, string, error) {
	model := s.config.SummaryModel
	if model == "" {
		model = s.config.Model
	}
	return s.decide(ctx, model, system, payload, tools, false)
}

func (s *Service) decide(ctx context.Context, model, system string, payload []byte, tools []ToolDef, propagatePayment bool) (*models.DecisionResult, string, error) {
	if s.dumper != nil {
		s.dumper.Dump(payload)
	}

	start := time.Now()
	resp, err := s.provider.Complete(ctx, Request{
		Model:       model,
		System:      system,
		UserContent: string(payload),
		Tools:       tools,
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, ErrPaymentRequired) {
			s.observe("payment_required", duration, 0, 0)
			if propagatePayment {
				return nil, "", err
			}
			return &models.DecisionResult{
				SelectedActions: []models.ActionPlan{},
				Reasoning:       "Decision skipped: the model service reports a payment problem on every profile.",
			}, "", nil
		}
		if errors.Is(err, ErrPayloadTooLarge) {
			s.observe("too_large", duration, 0, 0)
			s.logger.Warn("payload rejected as too large", "bytes", len(payload))
			return &models.DecisionResult{
				SelectedActions: []models.ActionPlan{},
				Reasoning:       "Decision skipped: the service rejected the payload as too large. The next cycle should use node-based mode or a smaller view.",
			}, "", nil
		}
		s.observe("error", duration, 0, 0)
		s.logger.Error("decision request failed", "error", err)
		return &models.DecisionResult{
			SelectedActions: []models.ActionPlan{},
			Reasoning:       fmt.Sprintf("Decision skipped: model request failed: %v", err),
		}, "", nil
	}

	s.observe("ok", duration, resp.PromptTokens, resp.CompletionTokens)

	result := Extract(resp.Text)
	Normalize(result, knownNames(tools), s.config.MaxActions)
	return result, resp.Text, nil
}

// Summarize asks the summary profile for a short description of content.
func (s *Service) Summarize(ctx context.Context, system, content string) (string, error) {
	model := s.config.SummaryModel
	if model == "" {
		model = s.config.Model
	}

	start := time.Now()
	resp, err := s.provider.Complete(ctx, Request{
		Model:       model,
		System:      system,
		UserContent: content,
		MaxTokens:   s.config.SummaryMaxTokens,
	})
	if err != nil {
		s.observe("summary_error", time.Since(start), 0, 0)
		return "", fmt.Errorf("summarize: %w", err)
	}
	s.observe("summary_ok", time.Since(start), resp.PromptTokens, resp.CompletionTokens)
	return resp.Text, nil
}

func (s *Service) observe(status string, duration time.Duration, promptTokens, completionTokens int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordLLMRequest(s.provider.Name(), s.config.Model, status, duration.Seconds(), promptTokens, completionTokens)
}

func knownNames(tools []ToolDef) map[string]struct{} {
	known := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		known[t.Name] = struct{}{}
	}
	return known
}

// Normalize validates action types against the advertised tools and
// caps the list by priority. Unknown types are kept as "unknown" so the
// cycle still sees them; ties keep the order the model returned.
func Normalize(result *models.DecisionResult, known map[string]struct{}, maxActions int) {
	for i := range result.SelectedActions {
		if _, ok := known[result.SelectedActions[i].ActionType]; !ok {
			result.SelectedActions[i].ActionType = "unknown"
		}
	}
	sort.SliceStable(result.SelectedActions, func(i, j int) bool {
		return result.SelectedActions[i].Priority > result.SelectedActions[j].Priority
	})
	if maxActions > 0 && len(result.SelectedActions) > maxActions {
		result.SelectedActions = result.SelectedActions[:maxActions]
	}
}

// toolInvocation is a tool call returned instead of text; providers
// rewrite these into the JSON contract so extraction stays uniform.
type toolInvocation struct {
	Name string
	Args map[string]any
}

func synthesizeDecision(calls []toolInvocation) string {
	actions := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		params := call.Args
		if params == nil {
			params = map[string]any{}
		}
		actions = append(actions, map[string]any{
			"action_type": call.Name,
			"parameters":  params,
		})
	}
	raw, err := json.Marshal(map[string]any{"selected_actions": actions})
	if err != nil {
		return ""
	}
	return string(raw)
}
