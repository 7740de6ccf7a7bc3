package farcaster

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// DefaultBaseURL is the indexer API endpoint.
const DefaultBaseURL = "https://api.neynar.com"

// Config holds configuration for the Farcaster integration.
type Config struct {
	// APIKey authenticates against the indexer API (required).
	APIKey string

	// SignerUUID authorizes writes (casts, reactions, follows) (required).
	SignerUUID string

	// FID is the agent's Farcaster ID (required).
	FID string

	// Username is the agent's handle, used for self-attribution.
	Username string

	// BaseURL overrides the indexer API endpoint.
	BaseURL string

	// StreamURL enables the websocket event stream when set.
	StreamURL string

	// Channels lists the channel feeds to observe, e.g. ["gardening"].
	Channels []string

	// PollInterval is how often the feed and notification pollers run.
	PollInterval time.Duration

	// FeedLimit is how many casts each poll fetches per source.
	FeedLimit int

	// EventBuffer is the capacity of the inbound observation channel.
	EventBuffer int

	// HTTPTimeout bounds individual API calls.
	HTTPTimeout time.Duration

	// Logger is an optional logger instance.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return corviderr.ErrConfig("farcaster: api_key is required", nil)
	}
	if c.SignerUUID == "" {
		return corviderr.ErrConfig("farcaster: signer_uuid is required", nil)
	}
	if c.FID == "" {
		return corviderr.ErrConfig("farcaster: fid is required", nil)
	}
	if _, err := strconv.ParseInt(c.FID, 10, 64); err != nil {
		return corviderr.ErrConfig("farcaster: fid must be numeric", err)
	}

	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FeedLimit <= 0 {
		c.FeedLimit = 25
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}
