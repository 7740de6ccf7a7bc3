package models

import "time"

// UserMemory is a durable note about a user, stored by the agent for
// recall in later cycles. Memories live in the history database, not in
// the in-memory world state.
type UserMemory struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Platform  Platform       `json:"platform"`
	Kind      string         `json:"kind"` // "preference", "fact", "interaction"
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
