package models

import (
	"time"
)

// Message is the unified message format across all platforms. A message is
// uniquely identified by (Platform, ID) for the lifetime of a run.
type Message struct {
	ID            string         `json:"id"`
	ChannelID     string         `json:"channel_id"`
	Platform      Platform       `json:"platform"`
	SenderID      string         `json:"sender_id"`
	SenderDisplay string         `json:"sender_display,omitempty"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	MediaURLs     []string       `json:"media_urls,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// FromSelf marks messages authored by the agent itself, either echoed
	// back by a platform or injected after a successful send.
	FromSelf bool `json:"from_self,omitempty"`
}

// Key returns the dedup key for the message.
func (m *Message) Key() string {
	return string(m.Platform) + ":" + m.ID
}

// ChannelStatus describes the agent's membership state in a channel.
type ChannelStatus string

const (
	ChannelJoined  ChannelStatus = "joined"
	ChannelLeft    ChannelStatus = "left"
	ChannelBanned  ChannelStatus = "banned"
	ChannelInvited ChannelStatus = "invited"
)

// Channel is a room, feed, or conversation on a platform.
type Channel struct {
	ID             string         `json:"id"`
	Platform       Platform       `json:"platform"`
	Name           string         `json:"name"`
	Topic          string         `json:"topic,omitempty"`
	Status         ChannelStatus  `json:"status"`
	MemberCount    int            `json:"member_count,omitempty"`
	Encrypted      bool           `json:"encrypted,omitempty"`
	CanonicalAlias string         `json:"canonical_alias,omitempty"`
	PowerLevels    map[string]int `json:"power_levels,omitempty"`

	// RecentMessages is a bounded ring, newest last, ordered by timestamp.
	RecentMessages []*Message `json:"recent_messages,omitempty"`

	LastActivity time.Time        `json:"last_activity"`
	Activity     *ActivityMetrics `json:"activity,omitempty"`
}

// ActivityMetrics is a point-in-time view of channel activity, used to
// describe channels the model only sees in summary form.
type ActivityMetrics struct {
	MessagesLastHour int       `json:"messages_last_hour"`
	MessagesLastDay  int       `json:"messages_last_day"`
	ActiveSenders    []string  `json:"active_senders,omitempty"`
	Keywords         []string  `json:"keywords,omitempty"`
	LastSummaryAt    time.Time `json:"last_summary_at,omitempty"`
}

// Thread is an ordered reply chain rooted at RootID, derived lazily from
// reply_to links over the messages still held in memory.
type Thread struct {
	RootID   string     `json:"root_id"`
	Messages []*Message `json:"messages"`
}
