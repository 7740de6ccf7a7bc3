// Package config loads and validates Corvid's configuration from a YAML
// file and the process environment. Environment variables referenced in the
// file with ${VAR} syntax are expanded before parsing, and a fixed set of
// well-known variables override their file counterparts afterwards.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// Config is the main configuration structure for Corvid.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	AI           AIConfig           `yaml:"ai"`
	Cycle        CycleConfig        `yaml:"cycle"`
	Nodes        NodesConfig        `yaml:"nodes"`
	RateLimits   RateLimitsConfig   `yaml:"rate_limits"`
	Retention    RetentionConfig    `yaml:"retention"`
	History      HistoryConfig      `yaml:"history"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Media        MediaConfig        `yaml:"media"`
	Status       StatusConfig       `yaml:"status"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Debug        DebugConfig        `yaml:"debug"`
}

// AgentConfig is the persona: who the agent claims to be in its system
// prompt. Platform identities are filled in from credentials at startup,
// not here.
type AgentConfig struct {
	Name string `yaml:"name"`
	Bio  string `yaml:"bio"`
	// Style replaces the default interaction-style prompt section.
	Style string `yaml:"style"`
}

// CycleConfig controls the observation loop cadence.
type CycleConfig struct {
	// ObservationInterval is the nominal spacing between cycles.
	ObservationInterval time.Duration `yaml:"observation_interval"`
	// MaxCyclesPerHour caps cycle starts per sliding hour.
	MaxCyclesPerHour int `yaml:"max_cycles_per_hour"`
	// MinCycleInterval is the hard floor between cycle starts.
	MinCycleInterval time.Duration `yaml:"min_cycle_interval"`
	// DrainTimeout bounds how long in-flight actions may finish during
	// shutdown before hard cancellation.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// NodesConfig controls the expandable-node payload system.
type NodesConfig struct {
	// MaxExpanded bounds how many nodes may be expanded at once.
	MaxExpanded int `yaml:"max_expanded"`
	// DefaultPinned lists node paths pinned at startup.
	DefaultPinned []string `yaml:"default_pinned"`
	// EnableTwoPhase turns on the exploration-then-decision flow.
	EnableTwoPhase bool `yaml:"enable_two_phase"`
	// MaxExplorationRounds bounds exploration iterations per cycle.
	MaxExplorationRounds int `yaml:"max_exploration_rounds"`
	// MaxTraditionalPayloadSize is the estimated-size threshold, in bytes,
	// above which cycles switch to node-based payloads.
	MaxTraditionalPayloadSize int `yaml:"max_traditional_payload_size"`
	// PreferNodeBased forces node-based payloads even under the size
	// threshold.
	PreferNodeBased bool `yaml:"prefer_node_based"`
	// SummaryWorkers sizes the node summary refresh pool.
	SummaryWorkers int `yaml:"summary_workers"`
}

// RetentionConfig controls in-memory and on-disk retention.
type RetentionConfig struct {
	// ConversationHistoryLength is how many recent state changes are
	// offered to the LLM as conversation context.
	ConversationHistoryLength int `yaml:"conversation_history_length"`
	// ActionHistoryLength caps the in-memory action history.
	ActionHistoryLength int `yaml:"action_history_length"`
	// DaysToKeep is the default age cutoff for history cleanup.
	DaysToKeep int `yaml:"days_to_keep"`
}

// HistoryConfig configures the persistent history store.
type HistoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	// QueueSize is the write-behind buffer capacity.
	QueueSize int `yaml:"queue_size"`
}

// StatusConfig configures the HTTP status endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the optional OTLP trace exporter. Tracing is
// disabled while Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// DebugConfig configures development aids.
type DebugConfig struct {
	// DumpPayloads writes every LLM request payload to disk.
	DumpPayloads        bool   `yaml:"dump_payloads"`
	PayloadDumpDir      string `yaml:"payload_dump_dir"`
	PayloadDumpMaxFiles int    `yaml:"payload_dump_max_files"`
}

// Load reads the configuration file at path, expands ${VAR} references,
// applies environment overrides, fills defaults, and validates the result.
// An empty path builds the configuration from environment and defaults
// alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, corviderr.ErrConfig("failed to read config file", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
			return nil, corviderr.ErrConfig("failed to parse config file", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "Corvid"
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai"
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o"
	}
	if cfg.AI.SummaryModel == "" {
		cfg.AI.SummaryModel = cfg.AI.Model
	}
	if cfg.AI.MaxTokens == 0 {
		cfg.AI.MaxTokens = 2000
	}
	if cfg.AI.Temperature == 0 {
		cfg.AI.Temperature = 0.7
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 60 * time.Second
	}
	if cfg.AI.SummaryTimeout == 0 {
		cfg.AI.SummaryTimeout = 15 * time.Second
	}
	if cfg.AI.MaxActionsPerCycle == 0 {
		cfg.AI.MaxActionsPerCycle = 3
	}
	if cfg.Cycle.ObservationInterval == 0 {
		cfg.Cycle.ObservationInterval = time.Minute
	}
	if cfg.Cycle.MaxCyclesPerHour == 0 {
		cfg.Cycle.MaxCyclesPerHour = 60
	}
	if cfg.Cycle.MinCycleInterval == 0 {
		cfg.Cycle.MinCycleInterval = 30 * time.Second
	}
	if cfg.Cycle.DrainTimeout == 0 {
		cfg.Cycle.DrainTimeout = 10 * time.Second
	}
	if cfg.Nodes.MaxExpanded == 0 {
		cfg.Nodes.MaxExpanded = 10
	}
	if cfg.Nodes.DefaultPinned == nil {
		cfg.Nodes.DefaultPinned = []string{"system.rate_limits", "system.notifications"}
	}
	if cfg.Nodes.MaxExplorationRounds == 0 {
		cfg.Nodes.MaxExplorationRounds = 3
	}
	if cfg.Nodes.MaxTraditionalPayloadSize == 0 {
		cfg.Nodes.MaxTraditionalPayloadSize = 25000
	}
	if cfg.Nodes.SummaryWorkers == 0 {
		cfg.Nodes.SummaryWorkers = 4
	}
	if cfg.Retention.ConversationHistoryLength == 0 {
		cfg.Retention.ConversationHistoryLength = 50
	}
	if cfg.Retention.ActionHistoryLength == 0 {
		cfg.Retention.ActionHistoryLength = 100
	}
	if cfg.Retention.DaysToKeep == 0 {
		cfg.Retention.DaysToKeep = 30
	}
	if cfg.History.DatabasePath == "" {
		cfg.History.DatabasePath = "corvid.db"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Integrations.CredentialsPath == "" {
		cfg.Integrations.CredentialsPath = "credentials.enc"
	}
	if cfg.Integrations.Timeout == 0 {
		cfg.Integrations.Timeout = 30 * time.Second
	}
	if cfg.Integrations.Farcaster.APIBase == "" {
		cfg.Integrations.Farcaster.APIBase = "https://api.neynar.com"
	}
	if cfg.Media.RetainFor == 0 {
		cfg.Media.RetainFor = time.Hour
	}
	if cfg.Status.Addr == "" {
		cfg.Status.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Debug.PayloadDumpDir == "" {
		cfg.Debug.PayloadDumpDir = "payload_dumps"
	}
	if cfg.Debug.PayloadDumpMaxFiles == 0 {
		cfg.Debug.PayloadDumpMaxFiles = 50
	}
}

// Validate checks structural validity. Credential presence is checked where
// the credential is used, not here, so read-only subcommands can run with a
// minimal configuration.
func (c *Config) Validate() error {
	if c.AI.Provider != "openai" && c.AI.Provider != "anthropic" {
		return corviderr.ErrConfig(fmt.Sprintf("ai.provider must be \"openai\" or \"anthropic\", got %q", c.AI.Provider), nil)
	}
	if c.AI.MaxTokens < 1 {
		return corviderr.ErrConfig(fmt.Sprintf("ai.max_tokens must be positive, got %d", c.AI.MaxTokens), nil)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return corviderr.ErrConfig(fmt.Sprintf("ai.temperature must be in [0, 2], got %v", c.AI.Temperature), nil)
	}
	if c.AI.MaxActionsPerCycle < 1 {
		return corviderr.ErrConfig(fmt.Sprintf("ai.max_actions_per_cycle must be positive, got %d", c.AI.MaxActionsPerCycle), nil)
	}
	if c.Cycle.ObservationInterval <= 0 {
		return corviderr.ErrConfig("cycle.observation_interval must be positive", nil)
	}
	if c.Cycle.MinCycleInterval <= 0 {
		return corviderr.ErrConfig("cycle.min_cycle_interval must be positive", nil)
	}
	if c.Cycle.MaxCyclesPerHour < 1 {
		return corviderr.ErrConfig(fmt.Sprintf("cycle.max_cycles_per_hour must be positive, got %d", c.Cycle.MaxCyclesPerHour), nil)
	}
	if c.Nodes.MaxExpanded < 1 {
		return corviderr.ErrConfig(fmt.Sprintf("nodes.max_expanded must be positive, got %d", c.Nodes.MaxExpanded), nil)
	}
	if c.Nodes.MaxExplorationRounds < 1 {
		return corviderr.ErrConfig(fmt.Sprintf("nodes.max_exploration_rounds must be positive, got %d", c.Nodes.MaxExplorationRounds), nil)
	}
	if c.Retention.ConversationHistoryLength < 1 || c.Retention.ActionHistoryLength < 1 {
		return corviderr.ErrConfig("retention history lengths must be positive", nil)
	}
	if c.Integrations.Matrix.Enabled {
		if c.Integrations.Matrix.Homeserver == "" {
			return corviderr.ErrConfig("integrations.matrix.homeserver is required when matrix is enabled", nil)
		}
		if c.Integrations.Matrix.UserID == "" {
			return corviderr.ErrConfig("integrations.matrix.user_id is required when matrix is enabled", nil)
		}
	}
	if c.Integrations.Farcaster.Enabled && c.Integrations.Farcaster.FID <= 0 {
		return corviderr.ErrConfig("integrations.farcaster.fid is required when farcaster is enabled", nil)
	}
	return nil
}
