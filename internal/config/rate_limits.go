package config

import "time"

// RateLimitsConfig configures the multi-dimensional action limiter. Cycle
// frequency limits live in CycleConfig; this section carries the per-kind
// and per-channel tables plus burst handling.
type RateLimitsConfig struct {
	// ActionLimits caps executions per tool name per hour. Absent kinds
	// are unlimited.
	ActionLimits map[string]int `yaml:"action_limits"`
	// ChannelLimits caps outgoing messages per channel per hour, keyed by
	// platform.
	ChannelLimits map[string]int `yaml:"channel_limits"`
	// MaxBurstCycles is the burst threshold inside BurstWindow.
	MaxBurstCycles int `yaml:"max_burst_cycles"`
	// BurstWindow is the burst detection window.
	BurstWindow time.Duration `yaml:"burst_window"`
	// CooldownMultiplier scales min_cycle_interval into the burst
	// cooldown.
	CooldownMultiplier float64 `yaml:"cooldown_multiplier"`
}
