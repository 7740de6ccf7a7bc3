package models

import "time"

// ActionRecord is the executed outcome of one action plan.
type ActionRecord struct {
	ID         string         `json:"id"`
	ActionKind string         `json:"action_kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Success    bool           `json:"success"`
	ChannelID  string         `json:"channel_id,omitempty"`
	Platform   Platform       `json:"platform,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// ChangeType classifies a state change block.
type ChangeType string

const (
	ChangeUserInput      ChangeType = "user_input"
	ChangeLLMObservation ChangeType = "llm_observation"
	ChangeToolExecution  ChangeType = "tool_execution"
	ChangeWorldUpdate    ChangeType = "world_update"
)

// StateChangeBlock is one append-only record of a perception, decision, or
// action. Blocks are the unit of training export and audit.
type StateChangeBlock struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	ChangeType       ChangeType       `json:"change_type"`
	Source           string           `json:"source"`
	ChannelID        string           `json:"channel_id,omitempty"`
	Platform         Platform         `json:"platform,omitempty"`
	Observations     string           `json:"observations,omitempty"`
	PotentialActions []string         `json:"potential_actions,omitempty"`
	SelectedActions  []map[string]any `json:"selected_actions,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	RawContent       string           `json:"raw_content,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}
