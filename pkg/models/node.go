package models

import "time"

// NodeMetadata tracks one addressable subtree of the world state for
// context management. Paths are dotted, e.g. "channels.matrix.<room>",
// "users.farcaster.<fid>", "system.rate_limits".
type NodeMetadata struct {
	NodePath     string    `json:"node_path"`
	IsExpanded   bool      `json:"is_expanded"`
	IsPinned     bool      `json:"is_pinned"`
	LastExpanded time.Time `json:"last_expanded,omitempty"`
	LastSummary  time.Time `json:"last_summary,omitempty"`
	Fingerprint  string    `json:"last_data_fingerprint,omitempty"`
	Summary      string    `json:"ai_summary,omitempty"`
}
