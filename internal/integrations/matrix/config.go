package matrix

import (
	"log/slog"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// Config holds configuration for the Matrix integration.
type Config struct {
	// Homeserver is the Matrix homeserver URL (required).
	Homeserver string

	// UserID is the agent's Matrix user ID, e.g. @corvid:example.org (required).
	UserID string

	// AccessToken is the access token for authentication (required).
	AccessToken string

	// DeviceID identifies this client session. Required when encryption
	// is enabled, otherwise optional.
	DeviceID string

	// PickleKey enables end-to-end encryption when set. The key pickles
	// the olm account in the crypto store.
	PickleKey string

	// CryptoStorePath is the SQLite file backing the crypto store.
	// Defaults to "corvid-crypto.db" when encryption is enabled.
	CryptoStorePath string

	// EventBuffer is the capacity of the inbound observation channel.
	EventBuffer int

	// SyncErrorBackoff is how long to wait after a failed sync before
	// retrying.
	SyncErrorBackoff time.Duration

	// Logger is an optional logger instance.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return corviderr.ErrConfig("matrix: homeserver is required", nil)
	}
	if c.UserID == "" {
		return corviderr.ErrConfig("matrix: user_id is required", nil)
	}
	if c.AccessToken == "" {
		return corviderr.ErrConfig("matrix: access_token is required", nil)
	}
	if c.PickleKey != "" && c.DeviceID == "" {
		return corviderr.ErrConfig("matrix: device_id is required when encryption is enabled", nil)
	}

	if c.CryptoStorePath == "" {
		c.CryptoStorePath = "corvid-crypto.db"
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SyncErrorBackoff <= 0 {
		c.SyncErrorBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}
