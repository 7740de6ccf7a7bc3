package tools

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/corvid/pkg/models"
)

type storeMemoryParams struct {
	UserID   string `json:"user_id" jsonschema:"required,description=User the memory is about"`
	Platform string `json:"platform,omitempty" jsonschema:"description=Platform the user lives on,enum=matrix,enum=farcaster"`
	Kind     string `json:"kind" jsonschema:"required,description=Memory kind,enum=preference,enum=fact,enum=interaction"`
	Content  string `json:"content" jsonschema:"required,description=What to remember about the user"`
}

// StoreMemoryTool persists a durable note about a user.
type StoreMemoryTool struct{}

func (t *StoreMemoryTool) Name() string { return "store_memory" }

func (t *StoreMemoryTool) Description() string {
	return "Remember a preference or fact about a user across restarts. Use sparingly for things worth keeping."
}

func (t *StoreMemoryTool) Group() Group { return GroupMemory }

func (t *StoreMemoryTool) Schema() json.RawMessage {
	return reflectSchema(&storeMemoryParams{})
}

func (t *StoreMemoryTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p storeMemoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if actx.History == nil {
		return Failf("memory persistence is not configured"), nil
	}

	platform := models.Platform(p.Platform)
	if platform == "" {
		platform = actx.CurrentPlatform
	}

	id, err := actx.History.StoreMemory(ctx, &models.UserMemory{
		UserID:   p.UserID,
		Platform: platform,
		Kind:     p.Kind,
		Content:  p.Content,
	})
	if err != nil {
		return Failf("store failed: %v", err), nil
	}
	return OK(map[string]any{
		"memory_id": id,
		"user_id":   p.UserID,
		"kind":      p.Kind,
	}), nil
}
