package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Orchestrator cycle throughput and duration by processing mode
//   - Message ingestion per platform (Matrix, Farcaster)
//   - LLM request performance, status, and token consumption
//   - Action execution outcomes and latencies per tool
//   - Rate limiter blocks by dimension
//   - Node expansion churn (expand, collapse, auto-collapse)
//   - History recorder write failures and queue depth
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageIngested("matrix")
//	metrics.RecordCycle("node_based", "success", 2.4)
type Metrics struct {
	// CycleCounter counts orchestrator cycles.
	// Labels: mode (traditional|node_based), status (success|error|skipped)
	CycleCounter *prometheus.CounterVec

	// CycleDuration measures full cycle wall time in seconds.
	// Labels: mode
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	CycleDuration *prometheus.HistogramVec

	// MessageCounter tracks inbound messages accepted into the world state.
	// Labels: platform (matrix|farcaster)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (openai|anthropic), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ActionCounter counts dispatched actions.
	// Labels: action_kind, status (success|failure|rate_limited|unknown)
	ActionCounter *prometheus.CounterVec

	// ActionDuration measures action execution time in seconds.
	// Labels: action_kind
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	ActionDuration *prometheus.HistogramVec

	// RateLimitBlocks counts internal limiter blocks.
	// Labels: dimension (cycle|action|channel|burst)
	RateLimitBlocks *prometheus.CounterVec

	// NodeEvents counts node state transitions.
	// Labels: kind (expand|collapse|auto_collapse|pin|unpin|summary_refresh)
	NodeEvents *prometheus.CounterVec

	// PayloadBytes measures serialized payload size.
	// Labels: mode
	// Buckets: 1KB through 512KB
	PayloadBytes *prometheus.HistogramVec

	// HistoryWriteFailures counts failed history writes by table.
	// Labels: table
	HistoryWriteFailures *prometheus.CounterVec

	// HistoryQueueDepth gauges the write-behind queue backlog.
	HistoryQueueDepth prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (orchestrator|integration|tool|history|decision), error_type
	ErrorCounter *prometheus.CounterVec

	// IntegrationUp gauges per-platform connection state (1 connected, 0 not).
	// Labels: platform
	IntegrationUp *prometheus.GaugeVec

	// DatabaseQueryDuration measures history database query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts history database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are registered with the default registry and served from the
// status endpoint's /metrics handler.
func NewMetrics() *Metrics {
	return &Metrics{
		CycleCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_cycles_total",
				Help: "Total number of orchestrator cycles by mode and status",
			},
			[]string{"mode", "status"},
		),

		CycleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_cycle_duration_seconds",
				Help:    "Duration of orchestrator cycles in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_messages_ingested_total",
				Help: "Total number of messages accepted into the world state by platform",
			},
			[]string{"platform"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ActionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_actions_total",
				Help: "Total number of dispatched actions by kind and status",
			},
			[]string{"action_kind", "status"},
		),

		ActionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_action_duration_seconds",
				Help:    "Duration of action executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"action_kind"},
		),

		RateLimitBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_rate_limit_blocks_total",
				Help: "Total number of internal rate limiter blocks by dimension",
			},
			[]string{"dimension"},
		),

		NodeEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_node_events_total",
				Help: "Total number of context node state transitions by kind",
			},
			[]string{"kind"},
		),

		PayloadBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_payload_bytes",
				Help:    "Serialized LLM payload size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
			[]string{"mode"},
		),

		HistoryWriteFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_history_write_failures_total",
				Help: "Total number of failed history writes by table",
			},
			[]string{"table"},
		),

		HistoryQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "corvid_history_queue_depth",
				Help: "Current depth of the history write-behind queue",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		IntegrationUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corvid_integration_up",
				Help: "Whether a platform integration is connected (1) or not (0)",
			},
			[]string{"platform"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_database_query_duration_seconds",
				Help:    "Duration of history database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_database_queries_total",
				Help: "Total number of history database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// MessageIngested increments the ingestion counter for a platform.
func (m *Metrics) MessageIngested(platform string) {
	m.MessageCounter.WithLabelValues(platform).Inc()
}

// RecordCycle records one orchestrator cycle.
//
// Example:
//
//	start := time.Now()
//	// ... run cycle ...
//	metrics.RecordCycle("traditional", "success", time.Since(start).Seconds())
func (m *Metrics) RecordCycle(mode, status string, durationSeconds float64) {
	m.CycleCounter.WithLabelValues(mode, status).Inc()
	m.CycleDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordAction records metrics for one action execution.
//
// Example:
//
//	metrics.RecordAction("send_chat_message", "success", 0.21)
func (m *Metrics) RecordAction(actionKind, status string, durationSeconds float64) {
	m.ActionCounter.WithLabelValues(actionKind, status).Inc()
	m.ActionDuration.WithLabelValues(actionKind).Observe(durationSeconds)
}

// RateLimitBlocked increments the block counter for a limiter dimension.
func (m *Metrics) RateLimitBlocked(dimension string) {
	m.RateLimitBlocks.WithLabelValues(dimension).Inc()
}

// NodeEvent increments the node transition counter.
func (m *Metrics) NodeEvent(kind string) {
	m.NodeEvents.WithLabelValues(kind).Inc()
}

// ObservePayloadSize records the serialized payload size for a mode.
func (m *Metrics) ObservePayloadSize(mode string, bytes int) {
	m.PayloadBytes.WithLabelValues(mode).Observe(float64(bytes))
}

// HistoryWriteFailed increments the write failure counter for a table.
func (m *Metrics) HistoryWriteFailed(table string) {
	m.HistoryWriteFailures.WithLabelValues(table).Inc()
}

// SetHistoryQueueDepth updates the write-behind backlog gauge.
func (m *Metrics) SetHistoryQueueDepth(depth int) {
	m.HistoryQueueDepth.Set(float64(depth))
}

// RecordError increments the error counter for a component and error type.
//
// Example:
//
//	metrics.RecordError("integration", "CONNECTION_ERROR")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetIntegrationUp updates the connection gauge for a platform.
func (m *Metrics) SetIntegrationUp(platform string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.IntegrationUp.WithLabelValues(platform).Set(v)
}

// RecordDatabaseQuery records metrics for a history database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
