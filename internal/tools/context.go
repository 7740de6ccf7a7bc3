package tools

import (
	"context"
	"time"

	"github.com/corvid-labs/corvid/internal/history"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

// IntegrationSource resolves the integration for a platform.
type IntegrationSource interface {
	Get(platform models.Platform) (integrations.Integration, bool)
}

// MediaService generates and describes images.
type MediaService interface {
	Generate(ctx context.Context, prompt, aspectRatio string) (*models.GeneratedMediaRef, error)
	Describe(ctx context.Context, imageURL string) (string, error)
}

// ActionContext carries the shared dependencies the actions of one
// cycle execute against. Optional fields (History, Media) may be nil;
// tools that need them fail cleanly when they are missing.
type ActionContext struct {
	World        *worldstate.Store
	Nodes        *nodes.Manager
	History      *history.Store
	Integrations IntegrationSource
	Media        MediaService
	Identity     payload.Identity

	CycleID          int64
	CurrentChannelID string
	CurrentPlatform  models.Platform

	// GeneratedMedia is media produced earlier in this cycle. The
	// executor sets it after a successful generate_image so follow-up
	// posts can attach it implicitly.
	GeneratedMedia *models.GeneratedMediaRef
}

// integration resolves a platform integration or a failure result.
func (a *ActionContext) integration(platform models.Platform) (integrations.Integration, *Result) {
	if a.Integrations == nil {
		return nil, Failf("no integrations configured")
	}
	integ, ok := a.Integrations.Get(platform)
	if !ok {
		return nil, Failf("platform %s is not connected", platform)
	}
	return integ, nil
}

// recordOutgoing injects the bot's own message into the world so the
// next payload shows the turn it just took.
func (a *ActionContext) recordOutgoing(platform models.Platform, channelID, messageID, content, replyTo string, mediaURLs []string) {
	if a.World == nil || messageID == "" {
		return
	}
	senderID, display := a.selfSender(platform)
	a.World.AddMessage(&models.Message{
		ID:            messageID,
		ChannelID:     channelID,
		Platform:      platform,
		SenderID:      senderID,
		SenderDisplay: display,
		Content:       content,
		Timestamp:     time.Now(),
		ReplyTo:       replyTo,
		MediaURLs:     mediaURLs,
		FromSelf:      true,
	})
}

// selfSender returns the agent's own sender identity on a platform.
func (a *ActionContext) selfSender(platform models.Platform) (senderID, display string) {
	switch platform {
	case models.PlatformMatrix:
		return a.Identity.MatrixUserID, ""
	case models.PlatformFarcaster:
		return a.Identity.FarcasterFID, a.Identity.FarcasterUsername
	}
	return "", ""
}

// noteRateLimit stores the rate-limit snapshot a send returned, keeping
// the world's view of per-platform quota current.
func (a *ActionContext) noteRateLimit(platform models.Platform, res *integrations.SendResult) {
	if a.World == nil || res == nil || res.RateLimit == nil {
		return
	}
	a.World.SetRateLimitSnapshot(string(platform), *res.RateLimit)
}

// stringParam reads an optional string from a decoded parameter map.
func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
