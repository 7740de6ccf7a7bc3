package config

import "time"

// AIConfig configures the LLM decision service.
type AIConfig struct {
	// Provider selects the client implementation: "openai" or "anthropic".
	Provider string `yaml:"provider"`
	// Model runs decision cycles.
	Model string `yaml:"model"`
	// SummaryModel runs node summaries; usually a cheaper model. Defaults
	// to Model.
	SummaryModel string `yaml:"summary_model"`
	// Endpoint overrides the provider's default base URL, for proxies and
	// compatible gateways.
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates against the provider.
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds a single decision request.
	Timeout time.Duration `yaml:"timeout"`
	// SummaryTimeout bounds a single summary request.
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
	// MaxActionsPerCycle caps how many actions one decision may select.
	MaxActionsPerCycle int `yaml:"max_actions_per_cycle"`
}
