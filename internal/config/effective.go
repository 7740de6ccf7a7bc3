package config

import (
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/ratelimit"
)

// EffectiveRateLimits merges the rate-limit and cycle sections into a
// limiter configuration. Unset tables fall back to limiter defaults.
func EffectiveRateLimits(cfg *Config) ratelimit.Config {
	out := ratelimit.Config{
		MaxCyclesPerHour:   cfg.Cycle.MaxCyclesPerHour,
		MinCycleInterval:   cfg.Cycle.MinCycleInterval,
		ActionLimits:       cfg.RateLimits.ActionLimits,
		ChannelLimits:      cfg.RateLimits.ChannelLimits,
		MaxBurstCycles:     cfg.RateLimits.MaxBurstCycles,
		BurstWindow:        cfg.RateLimits.BurstWindow,
		CooldownMultiplier: cfg.RateLimits.CooldownMultiplier,
	}
	defaults := ratelimit.DefaultConfig()
	if out.ActionLimits == nil {
		out.ActionLimits = defaults.ActionLimits
	}
	if out.ChannelLimits == nil {
		out.ChannelLimits = defaults.ChannelLimits
	}
	return out
}

// EffectiveLogConfig converts the logging section into the observability
// logger configuration.
func EffectiveLogConfig(cfg *Config) observability.LogConfig {
	return observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
}

// EffectiveTraceConfig converts the tracing section into the observability
// tracer configuration.
func EffectiveTraceConfig(cfg *Config, version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    "corvid",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	}
}
