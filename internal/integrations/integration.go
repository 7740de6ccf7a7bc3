// Package integrations defines the platform integration contract: the
// connection lifecycle, the outbound send surface, and the inbound
// observation feed. Platform packages implement Integration; the
// manager owns construction and lifecycle.
package integrations

import (
	"context"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

// State is the connection state of an integration.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is a point-in-time view of an integration's connection.
type Status struct {
	Platform  models.Platform `json:"platform"`
	State     State           `json:"state"`
	Since     time.Time       `json:"since"`
	LastError string          `json:"last_error,omitempty"`
}

// SendOptions carries optional send parameters shared across platforms.
type SendOptions struct {
	// MediaURLs attach previously uploaded or generated media.
	MediaURLs []string

	// MediaID references a GeneratedMediaRef to attach.
	MediaID string

	// Channel targets a named feed on platforms that have them.
	Channel string
}

// SendResult is the outcome of a successful outbound send.
type SendResult struct {
	MessageID string
	Timestamp time.Time

	// RateLimit is the platform-reported budget from response headers,
	// when present. Informational only; the rate limiter keeps its own
	// counters.
	RateLimit *models.RateLimitSnapshot
}

// ConnectionTestResult reports a connectivity probe.
type ConnectionTestResult struct {
	OK      bool          `json:"ok"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Integration is one connected platform. Implementations deliver every
// observed message exactly once on Events; duplicates are the world
// store's problem, ordering is the platform's.
type Integration interface {
	Platform() models.Platform

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) ConnectionTestResult
	Status() Status

	SendMessage(ctx context.Context, channelID, content string, opts SendOptions) (*SendResult, error)
	ReplyToMessage(ctx context.Context, channelID, replyToID, content string, opts SendOptions) (*SendResult, error)

	// Events is the inbound observation feed. Closed on Disconnect.
	Events() <-chan models.Message
}

// Optional capabilities, type-asserted by tools. An integration that
// does not implement one simply cannot perform that action.

// RoomManager joins, leaves, and answers invites.
type RoomManager interface {
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	AcceptInvite(ctx context.Context, roomID string) error
	DeclineInvite(ctx context.Context, roomID string) error
	Invites(ctx context.Context) ([]models.PendingInvite, error)
}

// Reactor attaches a reaction to a message. On platforms without free
// emoji the reaction key "like" maps to the native like primitive.
type Reactor interface {
	React(ctx context.Context, channelID, messageID, reaction string) error
}

// Follower follows a user.
type Follower interface {
	Follow(ctx context.Context, userID string) error
}

// ProfileLookup fetches a user profile.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID string) (*models.User, error)
}

// Searcher searches public posts.
type Searcher interface {
	SearchPosts(ctx context.Context, query string, limit int) ([]*models.Message, error)
}

// KeyRequester re-requests decryption keys for a room.
type KeyRequester interface {
	RequestRoomKeys(ctx context.Context, roomID string) error
}

// ChannelResolver reports channel metadata observed or fetched from the
// platform, used to enrich the world's channel records.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID string) (*models.Channel, error)
}
