package tools

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

// socialChannel normalizes an optional Farcaster channel key for records.
func socialChannel(channel string) string {
	if channel == "" {
		return "home"
	}
	return channel
}

type sendSocialPostParams struct {
	Text     string `json:"text" jsonschema:"required,description=Cast text (280 characters or less)"`
	Channel  string `json:"channel,omitempty" jsonschema:"description=Farcaster channel key such as dev. Empty posts to the home feed"`
	MediaID  string `json:"media_id,omitempty" jsonschema:"description=Generated media ID to attach"`
	MediaURL string `json:"media_url,omitempty" jsonschema:"description=Media URL to embed"`
}

// SendSocialPostTool publishes a cast to Farcaster.
type SendSocialPostTool struct{}

func (t *SendSocialPostTool) Name() string { return "send_social_post" }

func (t *SendSocialPostTool) Description() string {
	return "Publish a new cast to Farcaster, optionally into a channel and with media attached."
}

func (t *SendSocialPostTool) Group() Group { return GroupSocial }

func (t *SendSocialPostTool) Schema() json.RawMessage {
	return reflectSchema(&sendSocialPostParams{})
}

func (t *SendSocialPostTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p sendSocialPostParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	integ, fail := actx.integration(models.PlatformFarcaster)
	if fail != nil {
		return fail, nil
	}

	opts := sendOptions(p.MediaID, p.MediaURL)
	opts.Channel = p.Channel
	res, err := integ.SendMessage(ctx, p.Channel, p.Text, opts)
	if err != nil {
		return Failf("cast failed: %v", err), nil
	}

	actx.noteRateLimit(models.PlatformFarcaster, res)
	actx.recordOutgoing(models.PlatformFarcaster, socialChannel(p.Channel), res.MessageID, p.Text, "", opts.MediaURLs)
	data := map[string]any{
		"cast_hash": res.MessageID,
		"channel":   socialChannel(p.Channel),
	}
	if p.MediaID != "" {
		data["media_id"] = p.MediaID
	}
	if p.MediaURL != "" {
		data["media_url"] = p.MediaURL
	}
	return OK(data), nil
}

type replyToSocialPostParams struct {
	ParentHash string `json:"parent_hash" jsonschema:"required,description=Hash of the cast to reply to"`
	Text       string `json:"text" jsonschema:"required,description=Reply text"`
	MediaID    string `json:"media_id,omitempty" jsonschema:"description=Generated media ID to attach"`
	MediaURL   string `json:"media_url,omitempty" jsonschema:"description=Media URL to embed"`
}

// ReplyToSocialPostTool replies to a cast. Each parent is replied to at
// most once across the run.
type ReplyToSocialPostTool struct{}

func (t *ReplyToSocialPostTool) Name() string { return "reply_to_social_post" }

func (t *ReplyToSocialPostTool) Description() string {
	return "Reply to a Farcaster cast by hash. Each cast may be replied to at most once."
}

func (t *ReplyToSocialPostTool) Group() Group { return GroupSocial }

func (t *ReplyToSocialPostTool) Schema() json.RawMessage {
	return reflectSchema(&replyToSocialPostParams{})
}

func (t *ReplyToSocialPostTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p replyToSocialPostParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	if actx.World != nil && actx.World.HasSuccessfulAction(t.Name(), "parent_hash", p.ParentHash) {
		return Failf("already replied to cast %s", p.ParentHash), nil
	}

	integ, fail := actx.integration(models.PlatformFarcaster)
	if fail != nil {
		return fail, nil
	}

	opts := sendOptions(p.MediaID, p.MediaURL)
	res, err := integ.ReplyToMessage(ctx, "", p.ParentHash, p.Text, opts)
	if err != nil {
		return Failf("reply failed: %v", err), nil
	}

	actx.noteRateLimit(models.PlatformFarcaster, res)
	actx.recordOutgoing(models.PlatformFarcaster, actx.CurrentChannelID, res.MessageID, p.Text, p.ParentHash, opts.MediaURLs)
	return OK(map[string]any{
		"cast_hash":   res.MessageID,
		"parent_hash": p.ParentHash,
	}), nil
}

type likePostParams struct {
	CastHash string `json:"cast_hash" jsonschema:"required,description=Hash of the cast to like"`
}

// LikePostTool likes a cast.
type LikePostTool struct{}

func (t *LikePostTool) Name() string { return "like_post" }

func (t *LikePostTool) Description() string {
	return "Like a Farcaster cast. Use to acknowledge without posting."
}

func (t *LikePostTool) Group() Group { return GroupSocial }

func (t *LikePostTool) Schema() json.RawMessage {
	return reflectSchema(&likePostParams{})
}

func (t *LikePostTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p likePostParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	if actx.World != nil && actx.World.HasSuccessfulAction(t.Name(), "cast_hash", p.CastHash) {
		return Failf("already liked cast %s", p.CastHash), nil
	}

	integ, fail := actx.integration(models.PlatformFarcaster)
	if fail != nil {
		return fail, nil
	}
	reactor, ok := integ.(integrations.Reactor)
	if !ok {
		return Failf("platform %s does not support likes", models.PlatformFarcaster), nil
	}

	if err := reactor.React(ctx, "", p.CastHash, "like"); err != nil {
		return Failf("like failed: %v", err), nil
	}
	return OK(map[string]any{"cast_hash": p.CastHash}), nil
}

type followUserParams struct {
	UserID string `json:"user_id" jsonschema:"required,description=FID of the user to follow"`
}

// FollowUserTool follows a Farcaster user.
type FollowUserTool struct{}

func (t *FollowUserTool) Name() string { return "follow_user" }

func (t *FollowUserTool) Description() string {
	return "Follow a Farcaster user by FID so their casts show up in the feed."
}

func (t *FollowUserTool) Group() Group { return GroupSocial }

func (t *FollowUserTool) Schema() json.RawMessage {
	return reflectSchema(&followUserParams{})
}

func (t *FollowUserTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p followUserParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	if actx.World != nil && actx.World.HasSuccessfulAction(t.Name(), "user_id", p.UserID) {
		return Failf("already following user %s", p.UserID), nil
	}

	integ, fail := actx.integration(models.PlatformFarcaster)
	if fail != nil {
		return fail, nil
	}
	follower, ok := integ.(integrations.Follower)
	if !ok {
		return Failf("platform %s does not support follows", models.PlatformFarcaster), nil
	}

	if err := follower.Follow(ctx, p.UserID); err != nil {
		return Failf("follow failed: %v", err), nil
	}
	return OK(map[string]any{"user_id": p.UserID}), nil
}
