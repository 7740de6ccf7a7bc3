package tools

import (
	"context"
	"encoding/json"
	"time"
)

const maxWaitSeconds = 60

type waitParams struct {
	Duration float64 `json:"duration,omitempty" jsonschema:"description=Seconds to wait,minimum=0,maximum=60,default=5"`
}

// WaitTool deliberately does nothing for a bounded interval. Selecting
// it is the model's way of saying the world needs no response yet.
type WaitTool struct{}

func (t *WaitTool) Name() string { return "wait" }

func (t *WaitTool) Description() string {
	return "Do nothing for a few seconds. The right choice when nothing needs a response."
}

func (t *WaitTool) Group() Group { return GroupWait }

func (t *WaitTool) Schema() json.RawMessage {
	return reflectSchema(&waitParams{})
}

func (t *WaitTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p waitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if p.Duration < 0 {
		p.Duration = 0
	}
	if p.Duration == 0 {
		p.Duration = 5
	}
	if p.Duration > maxWaitSeconds {
		p.Duration = maxWaitSeconds
	}

	interrupted := false
	select {
	case <-time.After(time.Duration(p.Duration * float64(time.Second))):
	case <-ctx.Done():
		interrupted = true
	}
	return OK(map[string]any{
		"duration_seconds": p.Duration,
		"interrupted":      interrupted,
	}), nil
}
