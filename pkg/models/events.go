package models

import "time"

// PendingInvite is a room invitation awaiting an accept or decline.
type PendingInvite struct {
	ChannelID   string    `json:"channel_id"`
	Platform    Platform  `json:"platform"`
	Inviter     string    `json:"inviter"`
	ChannelName string    `json:"channel_name,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	InvitedAt   time.Time `json:"invited_at"`
}

// GeneratedMediaRef points at media produced by a generation tool. URL is
// the generator's ephemeral location; StorageURL is the durable mirror.
type GeneratedMediaRef struct {
	MediaID     string    `json:"media_id"`
	URL         string    `json:"url"`
	StorageURL  string    `json:"storage_url,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UndecryptableEvent is a chat event the client could not decrypt. Events
// are unique on (EventID, ChannelID) and retried with backoff until
// RetryCount reaches MaxRetries.
type UndecryptableEvent struct {
	EventID    string    `json:"event_id"`
	ChannelID  string    `json:"channel_id"`
	Sender     string    `json:"sender,omitempty"`
	RetryCount int       `json:"retry_count"`
	LastRetry  time.Time `json:"last_retry,omitempty"`
	MaxRetries int       `json:"max_retries"`
}

// Key returns the uniqueness key for the event.
func (u *UndecryptableEvent) Key() string {
	return u.EventID + ":" + u.ChannelID
}

// RateLimitSnapshot mirrors the most recent rate-limit headers observed
// from an external API. Snapshots are informational only; enforcement
// happens when a call actually receives a 429.
type RateLimitSnapshot struct {
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at,omitempty"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Stale reports whether the snapshot is older than 10 minutes at now.
func (s *RateLimitSnapshot) Stale(now time.Time) bool {
	return now.Sub(s.LastUpdated) > 10*time.Minute
}
