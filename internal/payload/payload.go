// Package payload builds the object the orchestrator hands to the model
// each cycle. Two shapes exist: a traditional bounded snapshot of the
// world state, and a node-based view driven by the expansion manager.
// Timestamps are emitted as unix seconds so the model compares them as
// plain numbers.
package payload

import (
	"encoding/json"
	"time"

	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Mode selects the payload shape.
type Mode string

const (
	ModeTraditional Mode = "traditional"
	ModeNodeBased   Mode = "node_based"
)

// Identity names the agent's own accounts so its messages and actions
// can be told apart from everyone else's.
type Identity struct {
	MatrixUserID      string `json:"matrix_user_id,omitempty"`
	FarcasterFID      string `json:"farcaster_fid,omitempty"`
	FarcasterUsername string `json:"farcaster_username,omitempty"`
}

// IsSelf reports whether senderID belongs to the agent.
func (id Identity) IsSelf(senderID string) bool {
	if senderID == "" {
		return false
	}
	return senderID == id.MatrixUserID ||
		senderID == id.FarcasterFID ||
		senderID == id.FarcasterUsername
}

// Payload is the top-level object serialized into the model request.
// Traditional mode fills Channels/Threads/ActionHistory/RecentMedia;
// node mode fills ExpandedNodes/CollapsedNodeSummaries/ExpansionStatus/
// SystemEvents. SystemStatus and BotActivity are present in both.
type Payload struct {
	Mode             Mode    `json:"mode"`
	GeneratedAt      float64 `json:"generated_at"`
	CurrentChannelID string  `json:"current_channel_id,omitempty"`

	Channels      map[string]*ChannelView `json:"channels,omitempty"`
	Threads       []*ThreadView           `json:"threads,omitempty"`
	ActionHistory []*ActionView           `json:"action_history,omitempty"`
	RecentMedia   []*MediaView            `json:"recent_media,omitempty"`

	ExpandedNodes          map[string]any          `json:"expanded_nodes,omitempty"`
	CollapsedNodeSummaries map[string]*NodeSummary `json:"collapsed_node_summaries,omitempty"`
	ExpansionStatus        *nodes.ExpansionStatus  `json:"expansion_status,omitempty"`
	SystemEvents           []nodes.SystemEvent     `json:"system_events,omitempty"`

	SystemStatus *SystemStatus       `json:"system_status"`
	BotActivity  *BotActivityContext `json:"bot_activity_context,omitempty"`
	Stats        Stats               `json:"payload_stats"`
}

// Encode serializes the payload for the model request.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// ChannelView is a channel as shown to the model. Detail carries the
// recent message list; summary-only carries activity metrics instead.
type ChannelView struct {
	ID             string         `json:"id"`
	Platform       string         `json:"platform"`
	Name           string         `json:"name,omitempty"`
	Topic          string         `json:"topic,omitempty"`
	Status         string         `json:"status"`
	MemberCount    int            `json:"member_count,omitempty"`
	Encrypted      bool           `json:"encrypted,omitempty"`
	Detail         bool           `json:"detail"`
	RecentMessages []*MessageView `json:"recent_messages,omitempty"`

	Activity     *models.ActivityMetrics `json:"activity_metrics,omitempty"`
	LastActivity float64                 `json:"last_activity,omitempty"`
}

// MessageView is a message as shown to the model.
type MessageView struct {
	ID            string   `json:"id"`
	SenderID      string   `json:"sender_id"`
	SenderDisplay string   `json:"sender_display,omitempty"`
	Content       string   `json:"content"`
	Timestamp     float64  `json:"timestamp"`
	ReplyTo       string   `json:"reply_to,omitempty"`
	MediaURLs     []string `json:"media_urls,omitempty"`
	FromSelf      bool     `json:"from_self,omitempty"`
}

// ThreadView is a reply chain in timestamp order.
type ThreadView struct {
	RootID   string         `json:"root_id"`
	Messages []*MessageView `json:"messages"`
}

// ActionView is a past action record as shown to the model.
type ActionView struct {
	Kind       string         `json:"action_kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Success    bool           `json:"success"`
	Reasoning  string         `json:"reasoning,omitempty"`
	ChannelID  string         `json:"channel_id,omitempty"`
	Timestamp  float64        `json:"timestamp"`
}

// MediaView references recently generated media the model may attach.
type MediaView struct {
	MediaID     string  `json:"media_id"`
	URL         string  `json:"url,omitempty"`
	StorageURL  string  `json:"storage_url,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	AspectRatio string  `json:"aspect_ratio,omitempty"`
	CreatedAt   float64 `json:"created_at"`
}

// InviteView is a pending invite awaiting a decision.
type InviteView struct {
	ChannelID   string  `json:"channel_id"`
	Platform    string  `json:"platform"`
	Inviter     string  `json:"inviter,omitempty"`
	ChannelName string  `json:"channel_name,omitempty"`
	Topic       string  `json:"topic,omitempty"`
	InvitedAt   float64 `json:"invited_at"`
}

// UserView is a user profile as shown to the model.
type UserView struct {
	ID             string  `json:"id"`
	Platform       string  `json:"platform"`
	Handle         string  `json:"handle,omitempty"`
	DisplayName    string  `json:"display_name,omitempty"`
	FollowerCount  int     `json:"follower_count,omitempty"`
	FollowingCount int     `json:"following_count,omitempty"`
	Verified       bool    `json:"verified,omitempty"`
	PowerBadge     bool    `json:"power_badge,omitempty"`
	Bio            string  `json:"bio,omitempty"`
	LastSeen       float64 `json:"last_seen,omitempty"`
}

// APILimitView is an external API budget snapshot. Informational only;
// enforcement happens when a tool call actually hits the API.
type APILimitView struct {
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetAt      float64 `json:"reset_at,omitempty"`
	RetryAfterMS int64   `json:"retry_after_ms,omitempty"`
	Stale        bool    `json:"stale,omitempty"`
}

// SystemStatus is the operational context the model must see, most
// importantly the remaining rate budget.
type SystemStatus struct {
	CycleID        string                  `json:"cycle_id,omitempty"`
	Connections    map[string]string       `json:"connections,omitempty"`
	RateLimits     ratelimit.Status        `json:"rate_limits"`
	APILimits      map[string]APILimitView `json:"api_limits,omitempty"`
	PendingInvites []InviteView            `json:"pending_invites,omitempty"`
}

// NodeSummary describes a node the model currently sees collapsed.
type NodeSummary struct {
	Summary       string  `json:"summary,omitempty"`
	DataChanged   bool    `json:"data_changed"`
	LastSummaryTS float64 `json:"last_summary_ts,omitempty"`
}

// Stats describes the payload itself.
type Stats struct {
	Bytes    int      `json:"bytes"`
	Channels int      `json:"channels"`
	Messages int      `json:"messages"`
	Actions  int      `json:"actions"`
	Nodes    int      `json:"nodes,omitempty"`
	Identity Identity `json:"bot_identity"`
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
