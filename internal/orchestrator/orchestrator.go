// Package orchestrator owns the perceive-decide-act loop. A single
// loop goroutine runs cycles: pick a focus channel, build a payload,
// ask the model for a decision, dispatch the selected actions. A
// single ingest goroutine feeds platform events into the world state,
// and cron workers handle decrypt retries, media eviction, and history
// cleanup. Everything else in the process hangs off Start and Stop.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/decision"
	"github.com/corvid-labs/corvid/internal/history"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/internal/worldstate"
)

// Config bounds the loop. Zero values fall back to the defaults below.
type Config struct {
	// ObservationInterval is the nominal spacing between cycles. The
	// adaptive multiplier can stretch it but never shrink it.
	ObservationInterval time.Duration
	// MinCycleInterval is the floor the multiplier scales.
	MinCycleInterval time.Duration
	// DrainTimeout bounds how long Stop lets in-flight actions finish.
	DrainTimeout time.Duration

	// PreferNodeBased forces node-based payloads regardless of size.
	PreferNodeBased bool
	// MaxTraditionalPayloadSize switches a cycle to node-based mode
	// when the traditional estimate reaches it.
	MaxTraditionalPayloadSize int
	// EnableTwoPhase runs an exploration phase before the decision in
	// node-based cycles.
	EnableTwoPhase bool
	// MaxExplorationRounds bounds exploration sub-turns per cycle.
	MaxExplorationRounds int

	// SummaryWorkers sizes the collapsed-node summary fan-out.
	SummaryWorkers int
	// SummaryTimeout bounds one summary request.
	SummaryTimeout time.Duration
	// DecisionTimeout bounds one decision request.
	DecisionTimeout time.Duration
	// IntegrationTimeout bounds platform calls made by workers.
	IntegrationTimeout time.Duration

	// MaxActions caps selected actions per cycle.
	MaxActions int

	// BatchWindow and BatchMax shape chat ingest batching. Zero keeps
	// the batcher defaults.
	BatchWindow time.Duration
	BatchMax    int

	// MediaRetainFor is how long generated media stays attachable
	// before the hourly eviction removes it.
	MediaRetainFor time.Duration
	// DaysToKeep drives the daily history cleanup. Zero disables it.
	DaysToKeep int

	// Persona shapes the system prompt.
	Persona decision.Persona
	// Identity marks the agent's own accounts in payloads and actions.
	Identity payload.Identity
}

const (
	defaultObservationInterval = time.Minute
	defaultMinCycleInterval    = 30 * time.Second
	defaultDrainTimeout        = 10 * time.Second
	defaultDecisionTimeout     = 60 * time.Second
	defaultSummaryTimeout      = 15 * time.Second
	defaultIntegrationTimeout  = 30 * time.Second
	defaultSummaryWorkers      = 4
	defaultExplorationRounds   = 3
	defaultMaxPayloadEstimate  = 25_000
	defaultMediaRetainFor      = time.Hour
)

// Deps are the collaborators the loop drives. World, Nodes, Builder,
// Limiter, Decider, Executor, and Registry are required; the rest
// degrade gracefully when nil.
type Deps struct {
	World    *worldstate.Store
	Nodes    *nodes.Manager
	Builder  *payload.Builder
	Limiter  *ratelimit.Limiter
	Decider  *decision.Service
	Executor *tools.Executor
	Registry *tools.Registry

	// Integrations feeds ingest and key-request retries. Nil runs the
	// loop on whatever the world already holds.
	Integrations *integrations.Manager

	// Recorder persists write-behind; History serves reads and cleanup.
	// Persistence failures never block the loop.
	Recorder *history.Recorder
	History  *history.Store

	// Media backs the generate_image tool. Nil disables it cleanly.
	Media tools.MediaService

	// Undecryptable tracks encrypted events awaiting keys.
	Undecryptable *worldstate.UndecryptableRegistry

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator is the cycle loop plus its ingest and worker goroutines.
type Orchestrator struct {
	config Config
	deps   Deps
	logger *slog.Logger

	batcher *worldstate.Batcher

	mu          sync.Mutex
	running     bool
	cycleID     int64
	lastCycleAt time.Time
	focus       *focusTarget
	rrCursor    int

	loopCancel   context.CancelFunc
	actionCancel context.CancelFunc
	wg           sync.WaitGroup
}

// New validates dependencies and applies config defaults. The returned
// orchestrator is idle until Start.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.World == nil || deps.Nodes == nil || deps.Builder == nil || deps.Limiter == nil ||
		deps.Decider == nil || deps.Executor == nil || deps.Registry == nil {
		return nil, corviderr.ErrConfig("orchestrator requires world, nodes, builder, limiter, decider, executor, and registry", nil)
	}

	if config.ObservationInterval <= 0 {
		config.ObservationInterval = defaultObservationInterval
	}
	if config.MinCycleInterval <= 0 {
		config.MinCycleInterval = defaultMinCycleInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultDrainTimeout
	}
	if config.MaxTraditionalPayloadSize <= 0 {
		config.MaxTraditionalPayloadSize = defaultMaxPayloadEstimate
	}
	if config.MaxExplorationRounds <= 0 {
		config.MaxExplorationRounds = defaultExplorationRounds
	}
	if config.SummaryWorkers <= 0 {
		config.SummaryWorkers = defaultSummaryWorkers
	}
	if config.SummaryTimeout <= 0 {
		config.SummaryTimeout = defaultSummaryTimeout
	}
	if config.DecisionTimeout <= 0 {
		config.DecisionTimeout = defaultDecisionTimeout
	}
	if config.IntegrationTimeout <= 0 {
		config.IntegrationTimeout = defaultIntegrationTimeout
	}
	if config.MediaRetainFor <= 0 {
		config.MediaRetainFor = defaultMediaRetainFor
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		config: config,
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
	}
	o.batcher = worldstate.NewBatcher(config.BatchWindow, config.BatchMax, o.applyMessage)
	return o, nil
}

// Start launches the loop, the ingest task, and the periodic workers.
// The loop context stops scheduling on cancel; in-flight actions run on
// a detached context so Stop can drain them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return corviderr.ErrConfig("orchestrator already started", nil)
	}
	o.running = true
	loopCtx, loopCancel := context.WithCancel(ctx)
	actionCtx, actionCancel := context.WithCancel(context.WithoutCancel(ctx))
	o.loopCancel = loopCancel
	o.actionCancel = actionCancel
	o.mu.Unlock()

	o.restoreUndecryptable(loopCtx)

	if o.deps.Integrations != nil {
		o.wg.Add(1)
		go o.runIngest(loopCtx)
	}
	o.startWorkers(loopCtx)

	o.wg.Add(1)
	go o.run(loopCtx, actionCtx)

	o.logger.Info("orchestrator started",
		"observation_interval", o.config.ObservationInterval,
		"two_phase", o.config.EnableTwoPhase,
		"prefer_node_based", o.config.PreferNodeBased)
	return nil
}

// run owns cycle scheduling. Cycles execute on actionCtx so a shutdown
// mid-cycle drains instead of tearing the cycle apart.
func (o *Orchestrator) run(loopCtx, actionCtx context.Context) {
	defer o.wg.Done()

	// The first cycle waits one interval so ingest can warm the world.
	delay := o.config.ObservationInterval
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-time.After(delay):
		}

		res := o.ProcessCycle(actionCtx)
		delay = o.nextDelay(res)
	}
}

// nextDelay schedules the following cycle: the rate limiter's wait when
// the cycle was deferred, otherwise the observation interval stretched
// by the adaptive multiplier over the floor.
func (o *Orchestrator) nextDelay(res *CycleResult) time.Duration {
	if res.Status == CycleDeferred && res.Wait > 0 {
		return res.Wait
	}
	status := o.deps.Limiter.GetStatus(time.Now())
	delay := o.config.ObservationInterval
	if scaled := time.Duration(float64(o.config.MinCycleInterval) * status.AdaptiveMultiplier); scaled > delay {
		delay = scaled
	}
	return delay
}

// Stop halts scheduling immediately, gives in-flight work the drain
// window, then cancels it. Pending ingest batches flush into the world
// before return so nothing observed is lost.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	loopCancel := o.loopCancel
	actionCancel := o.actionCancel
	o.mu.Unlock()

	loopCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	drain := o.config.DrainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < drain {
			drain = until
		}
	}

	select {
	case <-done:
	case <-time.After(drain):
		o.logger.Warn("drain window expired, cancelling in-flight actions")
		actionCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	actionCancel()

	o.batcher.Close()
	o.logger.Info("orchestrator stopped")
	return nil
}

// restoreUndecryptable reloads persisted decrypt-retry state so retry
// progress survives restarts.
func (o *Orchestrator) restoreUndecryptable(ctx context.Context) {
	if o.deps.History == nil || o.deps.Undecryptable == nil {
		return
	}
	events, err := o.deps.History.LoadUndecryptable(ctx)
	if err != nil {
		o.logger.Warn("undecryptable restore failed", "error", err)
		return
	}
	for _, ev := range events {
		o.deps.Undecryptable.Restore(ev)
	}
	if len(events) > 0 {
		o.logger.Info("undecryptable retry queue restored", "events", len(events))
	}
}

// StatusReport returns a point-in-time view of the loop for the status
// endpoint.
func (o *Orchestrator) StatusReport() map[string]any {
	o.mu.Lock()
	running := o.running
	cycleID := o.cycleID
	lastAt := o.lastCycleAt
	o.mu.Unlock()

	report := map[string]any{
		"running":     running,
		"cycle_id":    cycleID,
		"world":       o.deps.World.Stats(),
		"rate_limits": o.deps.Limiter.GetStatus(time.Now()),
		"nodes":       o.deps.Nodes.Status(),
	}
	if !lastAt.IsZero() {
		report["last_cycle_at"] = lastAt
	}
	if o.deps.Integrations != nil {
		report["integrations"] = o.deps.Integrations.Statuses()
	}
	if o.deps.Undecryptable != nil {
		report["undecryptable_pending"] = o.deps.Undecryptable.Len()
	}
	if o.deps.Recorder != nil {
		report["history_queue_depth"] = o.deps.Recorder.Depth()
	}
	return report
}
