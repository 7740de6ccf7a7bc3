package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvid-labs/corvid/internal/decision"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Cycle outcomes, in the order the loop cares about them.
const (
	CycleOK       = "ok"
	CycleEmpty    = "empty"
	CycleDeferred = "deferred"
	CycleError    = "error"
)

// CycleResult summarizes one cycle for scheduling and status reporting.
type CycleResult struct {
	CycleID  int64
	Mode     payload.Mode
	Status   string
	Platform models.Platform
	Focus    string
	Actions  int
	Wait     time.Duration
	Duration time.Duration
}

// focusTarget is the channel a cycle centers on. A non-empty messageID
// means a platform event triggered the focus.
type focusTarget struct {
	platform  models.Platform
	channelID string
	messageID string
	at        time.Time
}

// ProcessCycle runs one perceive-decide-act iteration. Every failure
// path ends the cycle cleanly; the loop never dies to a bad model
// response or a down integration.
func (o *Orchestrator) ProcessCycle(ctx context.Context) *CycleResult {
	now := time.Now()
	if ok, wait := o.deps.Limiter.CanProcessCycle(now); !ok {
		o.logger.Info("cycle deferred by rate limiter", "wait", wait.Round(time.Second))
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordCycle("none", CycleDeferred, 0)
		}
		return &CycleResult{Status: CycleDeferred, Wait: wait}
	}
	o.deps.Limiter.RecordCycle(now)

	o.mu.Lock()
	o.cycleID++
	id := o.cycleID
	o.lastCycleAt = now
	o.mu.Unlock()

	focus := o.takeFocus()
	mode := o.chooseMode()

	if o.deps.Tracer != nil {
		var span trace.Span
		ctx, span = o.deps.Tracer.TraceCycle(ctx, id, string(mode))
		defer span.End()
	}

	log := o.logger.With("cycle_id", id, "mode", mode)
	log.Info("cycle started",
		"platform", focus.platform,
		"channel_id", focus.channelID,
		"triggered", focus.messageID != "")

	start := time.Now()
	res := &CycleResult{CycleID: id, Mode: mode, Status: CycleOK, Platform: focus.platform, Focus: focus.channelID}

	if mode == payload.ModeNodeBased {
		o.refreshStaleSummaries(ctx)
		if o.config.EnableTwoPhase {
			o.explore(ctx, id, focus, log)
		}
	}

	body, err := o.buildPayload(id, focus, mode)
	if err != nil {
		log.Error("payload build failed", "error", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordError("orchestrator", "payload_build")
		}
		res.Status = CycleError
		res.Duration = time.Since(start)
		o.observeCycle(res)
		return res
	}

	// A plain node-based cycle offers node control alongside actions;
	// two-phase cycles already spent their node turns in exploration.
	var defs []tools.Definition
	if mode == payload.ModeNodeBased && !o.config.EnableTwoPhase {
		defs = o.deps.Registry.Definitions()
	} else {
		defs = o.deps.Registry.Definitions(tools.ActionGroups()...)
	}
	decisionTools := toolDefs(defs)

	system := decision.BuildSystemPrompt(o.config.Persona, decision.PromptOptions{
		Mode:       string(mode),
		Platform:   focus.platform,
		Tools:      decisionTools,
		MaxActions: o.config.MaxActions,
	})

	result, raw := o.decide(ctx, system, body, decisionTools)

	records := o.dispatch(ctx, id, focus, result)
	res.Actions = len(records)
	if result.Empty() {
		res.Status = CycleEmpty
	}

	o.recordObservation(id, focus, mode, result, raw)

	res.Duration = time.Since(start)
	o.observeCycle(res)
	log.Info("cycle finished",
		"status", res.Status,
		"actions", res.Actions,
		"duration", res.Duration.Round(time.Millisecond))
	return res
}

// takeFocus consumes the pending trigger, falling back to round-robin
// over joined channels so quiet channels still get attention.
func (o *Orchestrator) takeFocus() focusTarget {
	o.mu.Lock()
	if o.focus != nil {
		f := *o.focus
		o.focus = nil
		o.mu.Unlock()
		return f
	}
	cursor := o.rrCursor
	o.mu.Unlock()

	joined := make([]*models.Channel, 0, 8)
	for _, ch := range o.deps.World.Channels() {
		if ch.Status == models.ChannelJoined {
			joined = append(joined, ch)
		}
	}
	if len(joined) == 0 {
		return focusTarget{}
	}
	// Channels() sorts by activity, which shifts between cycles; a
	// stable order keeps the rotation fair.
	sort.Slice(joined, func(i, j int) bool {
		if joined[i].Platform != joined[j].Platform {
			return joined[i].Platform < joined[j].Platform
		}
		return joined[i].ID < joined[j].ID
	})
	ch := joined[cursor%len(joined)]

	o.mu.Lock()
	o.rrCursor = (cursor + 1) % len(joined)
	o.mu.Unlock()

	return focusTarget{platform: ch.Platform, channelID: ch.ID}
}

// chooseMode re-decides the payload mode each cycle; mode is sticky
// only within a cycle.
func (o *Orchestrator) chooseMode() payload.Mode {
	if o.config.PreferNodeBased {
		return payload.ModeNodeBased
	}
	if o.deps.Builder.EstimateTraditionalSize() >= o.config.MaxTraditionalPayloadSize {
		return payload.ModeNodeBased
	}
	return payload.ModeTraditional
}

func (o *Orchestrator) buildPayload(id int64, focus focusTarget, mode payload.Mode) ([]byte, error) {
	p, err := o.deps.Builder.Build(payload.BuildRequest{
		CycleID:          strconv.FormatInt(id, 10),
		Mode:             mode,
		FocusPlatform:    focus.platform,
		FocusChannelID:   focus.channelID,
		TriggerMessageID: focus.messageID,
		Identity:         o.config.Identity,
		Connections:      o.connections(),
	})
	if err != nil {
		return nil, err
	}
	return p.Encode()
}

func (o *Orchestrator) connections() map[string]string {
	if o.deps.Integrations == nil {
		return nil
	}
	statuses := o.deps.Integrations.Statuses()
	if len(statuses) == 0 {
		return nil
	}
	conns := make(map[string]string, len(statuses))
	for _, st := range statuses {
		conns[string(st.Platform)] = string(st.State)
	}
	return conns
}

// decide asks the decision profile and falls back to the summary
// profile for the rest of the cycle when the provider wants money. Any
// other failure already comes back as an empty decision.
func (o *Orchestrator) decide(ctx context.Context, system string, body []byte, defs []decision.ToolDef) (*models.DecisionResult, string) {
	dctx, cancel := context.WithTimeout(ctx, o.config.DecisionTimeout)
	result, raw, err := o.deps.Decider.Decide(dctx, system, body, defs)
	cancel()
	if err == nil {
		return result, raw
	}
	if !errors.Is(err, decision.ErrPaymentRequired) {
		o.logger.Error("decision failed", "error", err)
		return &models.DecisionResult{
			SelectedActions: []models.ActionPlan{},
			Reasoning:       fmt.Sprintf("Decision skipped: %v", err),
		}, ""
	}

	o.logger.Warn("decision profile reports payment required, retrying on summary profile")
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordError("orchestrator", "payment_required")
	}
	fctx, cancel := context.WithTimeout(ctx, o.config.DecisionTimeout)
	defer cancel()
	result, raw, _ = o.deps.Decider.DecideWithSummaryModel(fctx, system, body, defs)
	return result, raw
}

// dispatch executes the selected actions in the order the decision
// service normalized them: priority descending, model order on ties.
func (o *Orchestrator) dispatch(ctx context.Context, id int64, focus focusTarget, result *models.DecisionResult) []*models.ActionRecord {
	if result.Empty() {
		return nil
	}
	return o.deps.Executor.ExecuteAll(ctx, result.SelectedActions, o.actionContext(id, focus))
}

func (o *Orchestrator) actionContext(id int64, focus focusTarget) *tools.ActionContext {
	actx := &tools.ActionContext{
		World:            o.deps.World,
		Nodes:            o.deps.Nodes,
		History:          o.deps.History,
		Media:            o.deps.Media,
		Identity:         o.config.Identity,
		CycleID:          id,
		CurrentChannelID: focus.channelID,
		CurrentPlatform:  focus.platform,
	}
	// A typed nil would make the interface field non-nil.
	if o.deps.Integrations != nil {
		actx.Integrations = o.deps.Integrations
	}
	return actx
}

// recordObservation persists the cycle's decision as an llm_observation
// block, the unit the training export reads.
func (o *Orchestrator) recordObservation(id int64, focus focusTarget, mode payload.Mode, result *models.DecisionResult, raw string) {
	if o.deps.Recorder == nil {
		return
	}
	o.deps.Recorder.RecordStateChange(&models.StateChangeBlock{
		ID:               uuid.NewString(),
		Timestamp:        time.Now(),
		ChangeType:       models.ChangeLLMObservation,
		Source:           "orchestrator",
		ChannelID:        focus.channelID,
		Platform:         focus.platform,
		Observations:     result.Observations,
		PotentialActions: result.PotentialActions,
		SelectedActions:  planMaps(result.SelectedActions),
		Reasoning:        result.Reasoning,
		RawContent:       raw,
		Metadata:         map[string]any{"cycle_id": id, "mode": string(mode)},
	})
}

func (o *Orchestrator) observeCycle(res *CycleResult) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordCycle(string(res.Mode), res.Status, res.Duration.Seconds())
}

func planMaps(plans []models.ActionPlan) []map[string]any {
	if len(plans) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(plans))
	for _, plan := range plans {
		out = append(out, map[string]any{
			"action_type": plan.ActionType,
			"parameters":  plan.Parameters,
			"reasoning":   plan.Reasoning,
			"priority":    plan.Priority,
		})
	}
	return out
}

func toolDefs(defs []tools.Definition) []decision.ToolDef {
	out := make([]decision.ToolDef, 0, len(defs))
	for _, def := range defs {
		out = append(out, decision.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	return out
}

const explorationMarker = "EXPLORATION_COMPLETE"

// explore runs the first phase of a two-phase cycle: up to
// MaxExplorationRounds model turns where only node-control actions
// execute, reshaping the expansion set before the real decision. The
// phase ends early when the model emits the completion marker or stops
// selecting node actions.
func (o *Orchestrator) explore(ctx context.Context, id int64, focus focusTarget, log *slog.Logger) {
	defs := toolDefs(o.deps.Registry.Definitions(tools.GroupNodes))
	system := decision.BuildSystemPrompt(o.config.Persona, decision.PromptOptions{
		Mode:             string(payload.ModeNodeBased),
		Platform:         focus.platform,
		Tools:            defs,
		MaxActions:       o.config.MaxActions,
		ExplorationPhase: true,
	})

	for round := 1; round <= o.config.MaxExplorationRounds; round++ {
		body, err := o.buildPayload(id, focus, payload.ModeNodeBased)
		if err != nil {
			log.Warn("exploration payload build failed", "round", round, "error", err)
			return
		}

		result, raw := o.decide(ctx, system, body, defs)

		plans := o.nodePlans(result.SelectedActions)
		if len(plans) == 0 {
			log.Debug("exploration ended, no node actions selected", "round", round)
			return
		}
		o.deps.Executor.ExecuteAll(ctx, plans, o.actionContext(id, focus))

		if explorationComplete(result, raw) {
			log.Debug("exploration marker seen", "round", round)
			return
		}
	}
}

// nodePlans keeps only node-control actions, preserving order.
func (o *Orchestrator) nodePlans(plans []models.ActionPlan) []models.ActionPlan {
	names := o.deps.Registry.Names(tools.GroupNodes)
	nodeSet := make(map[string]bool, len(names))
	for _, name := range names {
		nodeSet[name] = true
	}
	var out []models.ActionPlan
	for _, plan := range plans {
		if nodeSet[plan.ActionType] {
			out = append(out, plan)
		}
	}
	return out
}

func explorationComplete(result *models.DecisionResult, raw string) bool {
	return strings.Contains(result.Reasoning, explorationMarker) ||
		strings.Contains(result.Observations, explorationMarker) ||
		strings.Contains(raw, explorationMarker)
}
