// Package observability provides monitoring and debugging capabilities for
// the Corvid agent through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics track cycle throughput, message ingestion per platform, LLM
// request latency and token usage, action outcomes, rate limiter blocks,
// node expansion churn, and history recorder health. All are registered
// with the default Prometheus registry and served from the status
// endpoint's /metrics handler.
//
//	metrics := observability.NewMetrics()
//	metrics.MessageIngested("matrix")
//	metrics.RecordCycle("node_based", "success", 2.4)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic cycle ID correlation from context
//   - Sensitive data redaction (API keys, access tokens, passwords)
//   - JSON output for production, text for development
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx := observability.AddCycleID(ctx, cycleID)
//	logger.Info(ctx, "Dispatching action", "tool", "send_chat_message")
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no endpoint
// is configured the tracer is a no-op; production deployments point it at a
// collector. Spans cover cycles, payload builds, LLM requests, tool
// executions, and history database queries.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "corvid",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// # Security Considerations
//
// The logging component automatically redacts API keys (Anthropic, OpenAI,
// generic), Matrix access tokens, passwords and secrets, JWT and bearer
// tokens, and custom patterns supplied via configuration. Sensitive keys in
// maps (password, secret, token, api_key, authorization, ...) are redacted
// by name.
package observability
