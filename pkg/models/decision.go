package models

// ActionPlan is one action the model selected, not yet executed.
// Priority runs 1..10; higher dispatches first.
type ActionPlan struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Priority   int            `json:"priority"`
}

// DecisionResult is the normalized output of one model call. The
// decision client is the only component that speaks the model's loose
// schema; everything downstream sees this type.
type DecisionResult struct {
	Observations     string       `json:"observations,omitempty"`
	PotentialActions []string     `json:"potential_actions,omitempty"`
	SelectedActions  []ActionPlan `json:"selected_actions"`
	Reasoning        string       `json:"reasoning,omitempty"`
}

// Empty reports whether the decision selected nothing.
func (d *DecisionResult) Empty() bool {
	return d == nil || len(d.SelectedActions) == 0
}
