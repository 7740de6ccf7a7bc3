package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/corvid-labs/corvid/internal/history"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Executor runs the actions a decision selected, in order. Every plan
// produces an ActionRecord whether or not the tool ran: rate-limit
// blocks, unknown actions, and bad parameters are recorded as failures
// so the next payload shows the model what happened.
type Executor struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	recorder *history.Recorder
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewExecutor wires an executor. limiter, recorder, and metrics may be
// nil, which disables the corresponding concern.
func NewExecutor(registry *Registry, limiter *ratelimit.Limiter, recorder *history.Recorder, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger.With("component", "tools.executor"),
		metrics:  metrics,
	}
}

// SetTracer enables a span per tool execution.
func (e *Executor) SetTracer(tracer *observability.Tracer) {
	e.tracer = tracer
}

// ExecuteAll runs plans sequentially against a shared context. After a
// successful generate_image the generated media is remembered on actx so
// a follow-up post in the same cycle attaches it.
func (e *Executor) ExecuteAll(ctx context.Context, plans []models.ActionPlan, actx *ActionContext) []*models.ActionRecord {
	records := make([]*models.ActionRecord, 0, len(plans))
	for _, plan := range plans {
		if ctx.Err() != nil {
			e.logger.Warn("execution interrupted", "remaining", len(plans)-len(records))
			break
		}
		rec := e.ExecuteOne(ctx, plan, actx)
		records = append(records, rec)

		if plan.ActionType == "generate_image" && rec.Success && actx.World != nil {
			if ref := actx.World.LastGeneratedMedia(time.Hour); ref != nil {
				actx.GeneratedMedia = ref
			}
		}
	}
	return records
}

// ExecuteOne runs a single plan through the full gate sequence: rate
// limits, registry lookup, parameter validation, then the tool itself.
func (e *Executor) ExecuteOne(ctx context.Context, plan models.ActionPlan, actx *ActionContext) *models.ActionRecord {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceToolExecution(ctx, plan.ActionType)
		defer span.End()
	}

	start := time.Now()
	kind := plan.ActionType
	params := plan.Parameters
	if params == nil {
		params = map[string]any{}
	}

	tool, found := e.registry.Get(kind)
	channelID := resolveChannel(params, actx)
	platform := resolvePlatform(tool, found, params, actx)

	if e.limiter != nil {
		if ok, reason := e.limiter.CanExecuteAction(kind, start); !ok {
			e.rateLimitBlocked("action")
			return e.finish(plan, actx, start, channelID, platform, params,
				Failf("rate_limited: %s", reason), "rate_limited")
		}
		if found && tool.Group().Messaging() {
			if ok, reason := e.limiter.CanSendToChannel(channelID, string(platform), start); !ok {
				e.rateLimitBlocked("channel")
				return e.finish(plan, actx, start, channelID, platform, params,
					Failf("rate_limited: %s", reason), "rate_limited")
			}
		}
	}

	if !found {
		return e.finish(plan, actx, start, channelID, platform, params,
			Failf("unknown_action: no tool named %q", kind), "unknown_action")
	}

	// Attach media generated earlier in the cycle unless the plan
	// already named some.
	if actx.GeneratedMedia != nil && (kind == "send_social_post" || kind == "send_chat_message") {
		if stringParam(params, "media_id") == "" && stringParam(params, "media_url") == "" {
			params = cloneParams(params)
			params["media_id"] = actx.GeneratedMedia.MediaID
			params["media_url"] = mediaAttachURL(actx.GeneratedMedia)
		}
	}

	if err := e.registry.ValidateParams(kind, params); err != nil {
		return e.finish(plan, actx, start, channelID, platform, params,
			Failf("invalid parameters: %v", err), "validation_error")
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return e.finish(plan, actx, start, channelID, platform, params,
			Failf("parameters not serializable: %v", err), "validation_error")
	}

	result, execErr := tool.Execute(ctx, raw, actx)
	if execErr != nil {
		e.logger.Error("tool execution error", "action", kind, "error", execErr)
		result = Failf("tool error: %v", execErr)
	}
	if result == nil {
		result = Failf("tool returned no result")
	}

	if e.limiter != nil {
		e.limiter.RecordAction(kind, time.Now())
		if tool.Group().Messaging() && result.Succeeded() {
			e.limiter.RecordChannelMessage(channelID, string(platform), time.Now())
		}
	}

	status := "failure"
	if result.Succeeded() {
		status = "success"
	}
	return e.finish(plan, actx, start, channelID, platform, params, result, status)
}

// finish builds the record and fans it out: world action history (which
// also emits the tool_execution state change and updates the last-action
// pointer), durable history, metrics, log.
func (e *Executor) finish(plan models.ActionPlan, actx *ActionContext, start time.Time, channelID string, platform models.Platform, params map[string]any, result *Result, status string) *models.ActionRecord {
	rec := &models.ActionRecord{
		ActionKind: plan.ActionType,
		Parameters: params,
		Result:     result.Record(),
		Success:    result.Succeeded(),
		ChannelID:  channelID,
		Platform:   platform,
		Timestamp:  start,
		DurationMS: time.Since(start).Milliseconds(),
		Reasoning:  plan.Reasoning,
	}

	if actx.World != nil {
		actx.World.AddActionResult(rec)
	}
	if e.recorder != nil {
		e.recorder.RecordAction(rec)
	}
	if e.metrics != nil {
		e.metrics.RecordAction(plan.ActionType, status, time.Since(start).Seconds())
	}

	if rec.Success {
		e.logger.Info("action executed", "action", plan.ActionType, "channel", channelID, "duration_ms", rec.DurationMS)
	} else {
		e.logger.Warn("action failed", "action", plan.ActionType, "channel", channelID, "reason", result.Error)
	}
	return rec
}

func (e *Executor) rateLimitBlocked(dimension string) {
	if e.metrics != nil {
		e.metrics.RateLimitBlocked(dimension)
	}
}

// resolveChannel picks the channel an action targets for records and
// per-channel limits.
func resolveChannel(params map[string]any, actx *ActionContext) string {
	if v := stringParam(params, "channel_id"); v != "" {
		return v
	}
	if v := stringParam(params, "channel"); v != "" {
		return v
	}
	return actx.CurrentChannelID
}

// resolvePlatform derives the platform for the record. Chat and room
// tools are Matrix-bound, social and research tools Farcaster-bound,
// everything else follows the cycle focus. An explicit platform
// parameter wins.
func resolvePlatform(tool Tool, found bool, params map[string]any, actx *ActionContext) models.Platform {
	if v := stringParam(params, "platform"); v != "" {
		return models.Platform(v)
	}
	if found {
		switch tool.Group() {
		case GroupChat, GroupRooms:
			return models.PlatformMatrix
		case GroupSocial, GroupResearch:
			return models.PlatformFarcaster
		}
	}
	return actx.CurrentPlatform
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	return out
}

// mediaAttachURL prefers the durable mirror over the generator's
// ephemeral location.
func mediaAttachURL(ref *models.GeneratedMediaRef) string {
	if ref.StorageURL != "" {
		return ref.StorageURL
	}
	return ref.URL
}
