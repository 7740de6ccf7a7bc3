package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corvid.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no file should succeed on defaults, got %v", err)
	}

	if cfg.AI.Provider != "openai" {
		t.Errorf("ai.provider = %q, want openai", cfg.AI.Provider)
	}
	if cfg.AI.SummaryModel != cfg.AI.Model {
		t.Errorf("ai.summary_model should default to ai.model, got %q", cfg.AI.SummaryModel)
	}
	if cfg.Cycle.ObservationInterval != time.Minute {
		t.Errorf("cycle.observation_interval = %v, want 1m", cfg.Cycle.ObservationInterval)
	}
	if cfg.Cycle.DrainTimeout != 10*time.Second {
		t.Errorf("cycle.drain_timeout = %v, want 10s", cfg.Cycle.DrainTimeout)
	}
	if cfg.Nodes.MaxExpanded != 10 {
		t.Errorf("nodes.max_expanded = %d, want 10", cfg.Nodes.MaxExpanded)
	}
	if want := []string{"system.rate_limits", "system.notifications"}; len(cfg.Nodes.DefaultPinned) != 2 || cfg.Nodes.DefaultPinned[0] != want[0] || cfg.Nodes.DefaultPinned[1] != want[1] {
		t.Errorf("nodes.default_pinned = %v, want %v", cfg.Nodes.DefaultPinned, want)
	}
	if cfg.Retention.ConversationHistoryLength != 50 || cfg.Retention.ActionHistoryLength != 100 {
		t.Errorf("retention defaults = %d/%d, want 50/100",
			cfg.Retention.ConversationHistoryLength, cfg.Retention.ActionHistoryLength)
	}
	if cfg.History.DatabasePath != "corvid.db" {
		t.Errorf("history.database_path = %q, want corvid.db", cfg.History.DatabasePath)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
ai:
  provider: anthropic
  model: claude-sonnet-4-5
  max_tokens: 4000
cycle:
  observation_interval: 2m
nodes:
  max_expanded: 5
  enable_two_phase: true
integrations:
  matrix:
    enabled: true
    homeserver: https://matrix.example.org
    user_id: "@corvid:example.org"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AI.Provider != "anthropic" || cfg.AI.Model != "claude-sonnet-4-5" {
		t.Errorf("ai section = %q/%q", cfg.AI.Provider, cfg.AI.Model)
	}
	if cfg.Cycle.ObservationInterval != 2*time.Minute {
		t.Errorf("observation_interval = %v, want 2m", cfg.Cycle.ObservationInterval)
	}
	if !cfg.Nodes.EnableTwoPhase || cfg.Nodes.MaxExpanded != 5 {
		t.Errorf("nodes section = %+v", cfg.Nodes)
	}
	if !cfg.Integrations.Matrix.Enabled || cfg.Integrations.Matrix.UserID != "@corvid:example.org" {
		t.Errorf("matrix section = %+v", cfg.Integrations.Matrix)
	}

	// Untouched sections still get defaults.
	if cfg.AI.Temperature != 0.7 {
		t.Errorf("temperature default = %v, want 0.7", cfg.AI.Temperature)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("CORVID_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
ai:
  api_key: ${CORVID_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded value", cfg.AI.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
ai:
  model: gpt-4o
  extra_knob: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if corviderr.Code(err) != corviderr.ErrCodeConfig {
		t.Errorf("error code = %q, want config error", corviderr.Code(err))
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AI_MODEL", "gpt-5")
	t.Setenv("AI_SUMMARY_MODEL", "gpt-5-mini")
	t.Setenv("API_KEY", "sk-test")
	t.Setenv("MAX_TOKENS", "8000")
	t.Setenv("TEMPERATURE", "0.3")
	t.Setenv("OBSERVATION_INTERVAL", "90")
	t.Setenv("MIN_CYCLE_INTERVAL", "45s")
	t.Setenv("MAX_CYCLES_PER_HOUR", "30")
	t.Setenv("MAX_EXPANDED_NODES", "7")
	t.Setenv("DEFAULT_PINNED_NODES", "system.rate_limits, channels.matrix.main")
	t.Setenv("ENABLE_TWO_PHASE_AI_PROCESS", "true")
	t.Setenv("AI_DUMP_PAYLOADS_TO_FILE", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AI.Model != "gpt-5" || cfg.AI.SummaryModel != "gpt-5-mini" || cfg.AI.APIKey != "sk-test" {
		t.Errorf("ai overrides = %q/%q/%q", cfg.AI.Model, cfg.AI.SummaryModel, cfg.AI.APIKey)
	}
	if cfg.AI.MaxTokens != 8000 || cfg.AI.Temperature != 0.3 {
		t.Errorf("numeric overrides = %d/%v", cfg.AI.MaxTokens, cfg.AI.Temperature)
	}
	if cfg.Cycle.ObservationInterval != 90*time.Second {
		t.Errorf("bare-seconds interval = %v, want 90s", cfg.Cycle.ObservationInterval)
	}
	if cfg.Cycle.MinCycleInterval != 45*time.Second {
		t.Errorf("duration interval = %v, want 45s", cfg.Cycle.MinCycleInterval)
	}
	if cfg.Cycle.MaxCyclesPerHour != 30 {
		t.Errorf("max cycles = %d, want 30", cfg.Cycle.MaxCyclesPerHour)
	}
	if cfg.Nodes.MaxExpanded != 7 || !cfg.Nodes.EnableTwoPhase {
		t.Errorf("node overrides = %+v", cfg.Nodes)
	}
	if want := []string{"system.rate_limits", "channels.matrix.main"}; len(cfg.Nodes.DefaultPinned) != 2 || cfg.Nodes.DefaultPinned[1] != want[1] {
		t.Errorf("default_pinned = %v, want %v", cfg.Nodes.DefaultPinned, want)
	}
	if !cfg.Debug.DumpPayloads {
		t.Error("AI_DUMP_PAYLOADS_TO_FILE=1 should enable payload dumps")
	}
}

func TestEnvOverrideBeatsFile(t *testing.T) {
	t.Setenv("AI_MODEL", "gpt-5")
	path := writeConfig(t, `
ai:
  model: gpt-4o
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.Model != "gpt-5" {
		t.Errorf("model = %q, environment should beat file", cfg.AI.Model)
	}
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("MAX_TOKENS", "lots")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for unparsable MAX_TOKENS")
	}
	if !strings.Contains(err.Error(), "MAX_TOKENS") {
		t.Errorf("error %q should name the variable", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad provider",
			mutate:  func(c *Config) { c.AI.Provider = "bard" },
			wantErr: "ai.provider",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.AI.Temperature = 3.5 },
			wantErr: "ai.temperature",
		},
		{
			name:    "zero max actions",
			mutate:  func(c *Config) { c.AI.MaxActionsPerCycle = -1 },
			wantErr: "max_actions_per_cycle",
		},
		{
			name:    "negative observation interval",
			mutate:  func(c *Config) { c.Cycle.ObservationInterval = -time.Second },
			wantErr: "observation_interval",
		},
		{
			name:    "matrix enabled without homeserver",
			mutate:  func(c *Config) { c.Integrations.Matrix.Enabled = true },
			wantErr: "homeserver",
		},
		{
			name: "farcaster enabled without fid",
			mutate: func(c *Config) {
				c.Integrations.Farcaster.Enabled = true
				c.Integrations.Farcaster.FID = 0
			},
			wantErr: "fid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveRateLimits(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Cycle.MaxCyclesPerHour = 12
	cfg.RateLimits.ActionLimits = map[string]int{"send_social_post": 2}

	rl := EffectiveRateLimits(cfg)
	if rl.MaxCyclesPerHour != 12 {
		t.Errorf("MaxCyclesPerHour = %d, want 12", rl.MaxCyclesPerHour)
	}
	if rl.ActionLimits["send_social_post"] != 2 {
		t.Errorf("ActionLimits = %v, want configured table", rl.ActionLimits)
	}
	if rl.ChannelLimits["matrix"] == 0 {
		t.Error("unset channel table should fall back to defaults")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, field := range []string{"ai", "rate_limits", "max_expanded", "observation_interval"} {
		if !strings.Contains(string(data), field) {
			t.Errorf("schema should describe %q", field)
		}
	}
}
