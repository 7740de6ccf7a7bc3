package config

import "time"

// IntegrationsConfig configures platform integrations. Secrets (tokens, API
// keys, signers) never live here; the integration manager keeps them in an
// encrypted credential store and merges in well-known environment variables.
type IntegrationsConfig struct {
	// CredentialsPath locates the encrypted credential store.
	CredentialsPath string `yaml:"credentials_path"`
	// Timeout bounds a single platform API call.
	Timeout   time.Duration   `yaml:"timeout"`
	Matrix    MatrixConfig    `yaml:"matrix"`
	Farcaster FarcasterConfig `yaml:"farcaster"`
}

// MatrixConfig configures the federated-chat integration.
type MatrixConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	DeviceID   string `yaml:"device_id"`
}

// FarcasterConfig configures the social-network integration.
type FarcasterConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIBase string `yaml:"api_base"`
	// StreamURL is the websocket event stream. Empty falls back to
	// polling.
	StreamURL string `yaml:"stream_url"`
	// FID is the agent's own account id, used to tag outgoing casts as
	// self messages.
	FID int64 `yaml:"fid"`
	// Channels lists channel feeds to observe, e.g. ["gardening"].
	Channels []string `yaml:"channels"`
}

// MediaConfig configures image generation and the durable media mirror.
type MediaConfig struct {
	// GeneratorEndpoint is the image generation API. Empty disables the
	// generate_image tool.
	GeneratorEndpoint string `yaml:"generator_endpoint"`
	GeneratorAPIKey   string `yaml:"generator_api_key"`
	// S3Bucket enables mirroring generated media to object storage.
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	S3Prefix string `yaml:"s3_prefix"`
	// PublicBaseURL maps mirrored objects to fetchable URLs.
	PublicBaseURL string `yaml:"public_base_url"`
	// RetainFor is how long generated media stays attachable.
	RetainFor time.Duration `yaml:"retain_for"`
}
