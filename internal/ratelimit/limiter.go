// Package ratelimit enforces the agent's action budgets across four
// dimensions: cycle frequency, per-action-kind counts, per-channel message
// counts, and burst cooldowns with an adaptive multiplier.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Window is the sliding window that hourly limits are measured over.
const Window = time.Hour

// Adaptive multiplier bounds. The multiplier grows on each burst violation
// and decays back toward 1.0 with each clean cycle.
const (
	multiplierGrowth = 1.5
	multiplierDecay  = 0.9
	multiplierMax    = 10.0
)

// Config configures the limiter dimensions.
type Config struct {
	// MaxCyclesPerHour caps how many observation cycles may start per hour.
	MaxCyclesPerHour int
	// MinCycleInterval is the minimum spacing between cycle starts. The
	// effective spacing is MinCycleInterval scaled by the adaptive
	// multiplier.
	MinCycleInterval time.Duration
	// ActionLimits caps executions per action kind per hour, keyed by tool
	// name. Kinds absent from the map are unlimited.
	ActionLimits map[string]int
	// ChannelLimits caps outgoing messages per channel per hour, keyed by
	// platform. Platforms absent from the map are unlimited.
	ChannelLimits map[string]int
	// MaxBurstCycles is the number of cycles inside BurstWindow beyond
	// which the limiter enters cooldown.
	MaxBurstCycles int
	// BurstWindow is the burst detection window.
	BurstWindow time.Duration
	// CooldownMultiplier scales MinCycleInterval into the burst cooldown.
	CooldownMultiplier float64
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		MaxCyclesPerHour: 60,
		MinCycleInterval: 30 * time.Second,
		ActionLimits: map[string]int{
			"send_chat_message":     100,
			"reply_to_chat_message": 100,
			"react_to_message":      60,
			"send_social_post":      50,
			"reply_to_social_post":  50,
			"like_post":             60,
			"follow_user":           20,
			"generate_image":        20,
			"describe_image":        30,
			"join_room":             10,
			"leave_room":            10,
		},
		ChannelLimits: map[string]int{
			"matrix":    50,
			"farcaster": 30,
		},
		MaxBurstCycles:     10,
		BurstWindow:        5 * time.Minute,
		CooldownMultiplier: 2.0,
	}
}

// Limiter tracks consumption against every configured budget. All counters
// use sliding windows; expired entries are purged on each read.
type Limiter struct {
	mu     sync.Mutex
	config Config

	cycles   []time.Time
	actions  map[string][]time.Time
	channels map[string][]time.Time

	lastCycle          time.Time
	cooldownUntil      time.Time
	adaptiveMultiplier float64
}

// NewLimiter creates a limiter. Zero-valued core fields fall back to
// DefaultConfig values.
func NewLimiter(config Config) *Limiter {
	defaults := DefaultConfig()
	if config.MaxCyclesPerHour <= 0 {
		config.MaxCyclesPerHour = defaults.MaxCyclesPerHour
	}
	if config.MinCycleInterval <= 0 {
		config.MinCycleInterval = defaults.MinCycleInterval
	}
	if config.MaxBurstCycles <= 0 {
		config.MaxBurstCycles = defaults.MaxBurstCycles
	}
	if config.BurstWindow <= 0 {
		config.BurstWindow = defaults.BurstWindow
	}
	if config.CooldownMultiplier <= 0 {
		config.CooldownMultiplier = defaults.CooldownMultiplier
	}

	return &Limiter{
		config:             config,
		actions:            make(map[string][]time.Time),
		channels:           make(map[string][]time.Time),
		adaptiveMultiplier: 1.0,
	}
}

// CanProcessCycle reports whether a new cycle may start at now. When blocked
// it returns the wait until the next permissible start.
func (l *Limiter) CanProcessCycle(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.cooldownUntil) {
		return false, l.cooldownUntil.Sub(now)
	}

	interval := l.effectiveInterval()
	if !l.lastCycle.IsZero() {
		if elapsed := now.Sub(l.lastCycle); elapsed < interval {
			return false, interval - elapsed
		}
	}

	l.cycles = pruneBefore(l.cycles, now.Add(-Window))
	if len(l.cycles) >= l.config.MaxCyclesPerHour {
		return false, l.cycles[0].Add(Window).Sub(now)
	}

	return true, 0
}

// RecordCycle records a cycle start at now, runs burst detection, and
// adjusts the adaptive multiplier. A burst violation grows the multiplier
// and starts a cooldown; a clean cycle decays it toward 1.0.
func (l *Limiter) RecordCycle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycles = pruneBefore(l.cycles, now.Add(-Window))
	l.cycles = append(l.cycles, now)
	l.lastCycle = now

	burst := 0
	cutoff := now.Add(-l.config.BurstWindow)
	for _, t := range l.cycles {
		if t.After(cutoff) {
			burst++
		}
	}

	if burst > l.config.MaxBurstCycles {
		l.adaptiveMultiplier *= multiplierGrowth
		if l.adaptiveMultiplier > multiplierMax {
			l.adaptiveMultiplier = multiplierMax
		}
		cooldown := time.Duration(l.config.CooldownMultiplier * float64(l.config.MinCycleInterval))
		l.cooldownUntil = now.Add(cooldown)
		return
	}

	if l.adaptiveMultiplier > 1.0 {
		l.adaptiveMultiplier *= multiplierDecay
		if l.adaptiveMultiplier < 1.0 {
			l.adaptiveMultiplier = 1.0
		}
	}
}

// CanExecuteAction reports whether an action of the given kind may run at
// now. When blocked, the returned reason names the exhausted budget.
func (l *Limiter) CanExecuteAction(kind string, now time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.config.ActionLimits[kind]
	if !limited {
		return true, ""
	}

	used := l.pruneKeyed(l.actions, kind, now)
	if used >= limit {
		return false, fmt.Sprintf("action limit reached for %s: %d/%d in the last hour", kind, used, limit)
	}
	return true, ""
}

// RecordAction counts one execution of kind at now.
func (l *Limiter) RecordAction(kind string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneKeyed(l.actions, kind, now)
	l.actions[kind] = append(l.actions[kind], now)
}

// CanSendToChannel reports whether another message may be sent to the given
// channel at now. Limits are configured per platform and tracked per
// channel.
func (l *Limiter) CanSendToChannel(channelID, platform string, now time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.config.ChannelLimits[platform]
	if !limited {
		return true, ""
	}

	key := CompositeKey(platform, channelID)
	used := l.pruneKeyed(l.channels, key, now)
	if used >= limit {
		return false, fmt.Sprintf("channel limit reached for %s: %d/%d in the last hour", key, used, limit)
	}
	return true, ""
}

// RecordChannelMessage counts one outgoing message to the channel at now.
func (l *Limiter) RecordChannelMessage(channelID, platform string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := CompositeKey(platform, channelID)
	l.pruneKeyed(l.channels, key, now)
	l.channels[key] = append(l.channels[key], now)
}

// effectiveInterval returns MinCycleInterval scaled by the adaptive
// multiplier (must be called with lock held).
func (l *Limiter) effectiveInterval() time.Duration {
	return time.Duration(l.adaptiveMultiplier * float64(l.config.MinCycleInterval))
}

// pruneKeyed purges expired entries for key and returns the surviving count
// (must be called with lock held). Keys with no surviving entries are
// removed entirely.
func (l *Limiter) pruneKeyed(m map[string][]time.Time, key string, now time.Time) int {
	entries := pruneBefore(m[key], now.Add(-Window))
	if len(entries) == 0 {
		delete(m, key)
		return 0
	}
	m[key] = entries
	return len(entries)
}

// pruneBefore drops entries at or before cutoff. Entries are appended in
// time order, so expiry only ever removes a prefix.
func pruneBefore(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	return entries[i:]
}

// LimitUsage reports consumption against a single budget.
type LimitUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Status is an immutable snapshot of limiter state, suitable for payloads
// and the status endpoint.
type Status struct {
	CyclesPerHour      LimitUsage            `json:"cycles_per_hour"`
	ActionLimits       map[string]LimitUsage `json:"action_limits"`
	ChannelLimits      map[string]LimitUsage `json:"channel_limits"`
	AdaptiveMultiplier float64               `json:"adaptive_multiplier"`
	CooldownUntil      *time.Time            `json:"cooldown_until,omitempty"`
}

// GetStatus returns the current consumption across all budgets at now.
// Channel entries appear only for channels with traffic inside the window.
func (l *Limiter) GetStatus(now time.Time) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycles = pruneBefore(l.cycles, now.Add(-Window))

	status := Status{
		CyclesPerHour:      usage(len(l.cycles), l.config.MaxCyclesPerHour),
		ActionLimits:       make(map[string]LimitUsage, len(l.config.ActionLimits)),
		ChannelLimits:      make(map[string]LimitUsage),
		AdaptiveMultiplier: l.adaptiveMultiplier,
	}
	if now.Before(l.cooldownUntil) {
		until := l.cooldownUntil
		status.CooldownUntil = &until
	}

	for kind, limit := range l.config.ActionLimits {
		status.ActionLimits[kind] = usage(l.pruneKeyed(l.actions, kind, now), limit)
	}
	for key := range l.channels {
		platform, _, ok := splitCompositeKey(key)
		if !ok {
			continue
		}
		limit, limited := l.config.ChannelLimits[platform]
		if !limited {
			continue
		}
		used := l.pruneKeyed(l.channels, key, now)
		if used == 0 {
			continue
		}
		status.ChannelLimits[key] = usage(used, limit)
	}

	return status
}

func usage(used, limit int) LimitUsage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return LimitUsage{Used: used, Limit: limit, Remaining: remaining}
}

// CompositeKey creates a tracking key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// splitCompositeKey splits a two-part composite key back into its parts.
func splitCompositeKey(key string) (first, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
