package payload

import (
	"github.com/corvid-labs/corvid/pkg/models"
)

func messageView(msg *models.Message) *MessageView {
	return &MessageView{
		ID:            msg.ID,
		SenderID:      msg.SenderID,
		SenderDisplay: msg.SenderDisplay,
		Content:       msg.Content,
		Timestamp:     unixSeconds(msg.Timestamp),
		ReplyTo:       msg.ReplyTo,
		MediaURLs:     msg.MediaURLs,
		FromSelf:      msg.FromSelf,
	}
}

// channelView renders a channel either detailed, with the newest
// maxMessages of its ring, or summary-only with activity metrics in
// place of the message list.
func channelView(ch *models.Channel, detail bool, maxMessages int) *ChannelView {
	view := &ChannelView{
		ID:           ch.ID,
		Platform:     string(ch.Platform),
		Name:         ch.Name,
		Topic:        ch.Topic,
		Status:       string(ch.Status),
		MemberCount:  ch.MemberCount,
		Encrypted:    ch.Encrypted,
		Detail:       detail,
		LastActivity: unixSeconds(ch.LastActivity),
	}
	if !detail {
		view.Activity = ch.Activity
		return view
	}
	msgs := ch.RecentMessages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	view.RecentMessages = make([]*MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view.RecentMessages = append(view.RecentMessages, messageView(msg))
	}
	return view
}

func threadView(thread *models.Thread) *ThreadView {
	view := &ThreadView{RootID: thread.RootID, Messages: make([]*MessageView, 0, len(thread.Messages))}
	for _, msg := range thread.Messages {
		view.Messages = append(view.Messages, messageView(msg))
	}
	return view
}

func actionView(rec *models.ActionRecord) *ActionView {
	return &ActionView{
		Kind:       rec.ActionKind,
		Parameters: rec.Parameters,
		Result:     rec.Result,
		Success:    rec.Success,
		Reasoning:  rec.Reasoning,
		ChannelID:  rec.ChannelID,
		Timestamp:  unixSeconds(rec.Timestamp),
	}
}

func mediaView(ref *models.GeneratedMediaRef) *MediaView {
	return &MediaView{
		MediaID:     ref.MediaID,
		URL:         ref.URL,
		StorageURL:  ref.StorageURL,
		Prompt:      ref.Prompt,
		AspectRatio: ref.AspectRatio,
		CreatedAt:   unixSeconds(ref.CreatedAt),
	}
}

func inviteView(inv *models.PendingInvite) InviteView {
	return InviteView{
		ChannelID:   inv.ChannelID,
		Platform:    string(inv.Platform),
		Inviter:     inv.Inviter,
		ChannelName: inv.ChannelName,
		Topic:       inv.Topic,
		InvitedAt:   unixSeconds(inv.InvitedAt),
	}
}

func userView(u *models.User) *UserView {
	return &UserView{
		ID:             u.ID,
		Platform:       string(u.Platform),
		Handle:         u.Handle,
		DisplayName:    u.DisplayName,
		FollowerCount:  u.FollowerCount,
		FollowingCount: u.FollowingCount,
		Verified:       u.Verified,
		PowerBadge:     u.PowerBadge,
		Bio:            u.Bio,
		LastSeen:       unixSeconds(u.LastSeen),
	}
}

func apiLimitView(snap models.RateLimitSnapshot, stale bool) APILimitView {
	return APILimitView{
		Limit:        snap.Limit,
		Remaining:    snap.Remaining,
		ResetAt:      unixSeconds(snap.ResetAt),
		RetryAfterMS: snap.RetryAfterMS,
		Stale:        stale,
	}
}
