package tools

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

// sendOptions maps the common media parameters onto integration send
// options.
func sendOptions(mediaID, mediaURL string) integrations.SendOptions {
	opts := integrations.SendOptions{MediaID: mediaID}
	if mediaURL != "" {
		opts.MediaURLs = []string{mediaURL}
	}
	return opts
}

type sendChatMessageParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Matrix room ID to send to"`
	Content   string `json:"content" jsonschema:"required,description=Message body"`
	MediaID   string `json:"media_id,omitempty" jsonschema:"description=Generated media ID to attach"`
	MediaURL  string `json:"media_url,omitempty" jsonschema:"description=Media URL to attach"`
}

// SendChatMessageTool posts a message to a Matrix room.
type SendChatMessageTool struct{}

func (t *SendChatMessageTool) Name() string { return "send_chat_message" }

func (t *SendChatMessageTool) Description() string {
	return "Send a message to a Matrix room. Use for new conversation turns that are not direct replies."
}

func (t *SendChatMessageTool) Group() Group { return GroupChat }

func (t *SendChatMessageTool) Schema() json.RawMessage {
	return reflectSchema(&sendChatMessageParams{})
}

func (t *SendChatMessageTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p sendChatMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	integ, fail := actx.integration(models.PlatformMatrix)
	if fail != nil {
		return fail, nil
	}

	opts := sendOptions(p.MediaID, p.MediaURL)
	res, err := integ.SendMessage(ctx, p.ChannelID, p.Content, opts)
	if err != nil {
		return Failf("send failed: %v", err), nil
	}

	actx.noteRateLimit(models.PlatformMatrix, res)
	actx.recordOutgoing(models.PlatformMatrix, p.ChannelID, res.MessageID, p.Content, "", opts.MediaURLs)
	return OK(map[string]any{
		"message_id": res.MessageID,
		"channel_id": p.ChannelID,
	}), nil
}

type replyToChatMessageParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Matrix room ID the message lives in"`
	ReplyToID string `json:"reply_to_id" jsonschema:"required,description=Event ID of the message to reply to"`
	Content   string `json:"content" jsonschema:"required,description=Reply body"`
	MediaID   string `json:"media_id,omitempty" jsonschema:"description=Generated media ID to attach"`
	MediaURL  string `json:"media_url,omitempty" jsonschema:"description=Media URL to attach"`
}

// ReplyToChatMessageTool replies to a specific Matrix message. A target
// that was already replied to successfully is refused.
type ReplyToChatMessageTool struct{}

func (t *ReplyToChatMessageTool) Name() string { return "reply_to_chat_message" }

func (t *ReplyToChatMessageTool) Description() string {
	return "Reply to a specific Matrix message by event ID. Each message may be replied to at most once."
}

func (t *ReplyToChatMessageTool) Group() Group { return GroupChat }

func (t *ReplyToChatMessageTool) Schema() json.RawMessage {
	return reflectSchema(&replyToChatMessageParams{})
}

func (t *ReplyToChatMessageTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p replyToChatMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	if actx.World != nil && actx.World.HasSuccessfulAction(t.Name(), "reply_to_id", p.ReplyToID) {
		return Failf("already replied to message %s", p.ReplyToID), nil
	}

	integ, fail := actx.integration(models.PlatformMatrix)
	if fail != nil {
		return fail, nil
	}

	opts := sendOptions(p.MediaID, p.MediaURL)
	res, err := integ.ReplyToMessage(ctx, p.ChannelID, p.ReplyToID, p.Content, opts)
	if err != nil {
		return Failf("reply failed: %v", err), nil
	}

	actx.noteRateLimit(models.PlatformMatrix, res)
	actx.recordOutgoing(models.PlatformMatrix, p.ChannelID, res.MessageID, p.Content, p.ReplyToID, opts.MediaURLs)
	return OK(map[string]any{
		"message_id":  res.MessageID,
		"reply_to_id": p.ReplyToID,
		"channel_id":  p.ChannelID,
	}), nil
}

type reactToMessageParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Matrix room ID the message lives in"`
	MessageID string `json:"message_id" jsonschema:"required,description=Event ID of the message to react to"`
	Reaction  string `json:"reaction" jsonschema:"required,description=Reaction emoji such as 👍 or ❤️"`
}

// ReactToMessageTool adds an emoji reaction to a Matrix message.
type ReactToMessageTool struct{}

func (t *ReactToMessageTool) Name() string { return "react_to_message" }

func (t *ReactToMessageTool) Description() string {
	return "React to a Matrix message with an emoji. Lighter than a reply; use to acknowledge without adding noise."
}

func (t *ReactToMessageTool) Group() Group { return GroupChat }

func (t *ReactToMessageTool) Schema() json.RawMessage {
	return reflectSchema(&reactToMessageParams{})
}

func (t *ReactToMessageTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p reactToMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	if actx.World != nil && actx.World.HasSuccessfulAction(t.Name(), "message_id", p.MessageID) {
		return Failf("already reacted to message %s", p.MessageID), nil
	}

	integ, fail := actx.integration(models.PlatformMatrix)
	if fail != nil {
		return fail, nil
	}
	reactor, ok := integ.(integrations.Reactor)
	if !ok {
		return Failf("platform %s does not support reactions", models.PlatformMatrix), nil
	}

	if err := reactor.React(ctx, p.ChannelID, p.MessageID, p.Reaction); err != nil {
		return Failf("reaction failed: %v", err), nil
	}
	return OK(map[string]any{
		"message_id": p.MessageID,
		"reaction":   p.Reaction,
	}), nil
}
