package worldstate

import (
	"maps"
	"slices"
	"sort"

	"github.com/corvid-labs/corvid/pkg/models"
)

// Clone helpers back the store's copy-out discipline. Nested values inside
// Metadata, Parameters, and Result maps are shared; callers treat returned
// values as read-only below the top level.

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.MediaURLs = slices.Clone(m.MediaURLs)
	out.Metadata = maps.Clone(m.Metadata)
	return &out
}

func cloneMessages(msgs []*models.Message) []*models.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneChannel(ch *models.Channel) *models.Channel {
	if ch == nil {
		return nil
	}
	out := *ch
	out.PowerLevels = clonePowerLevels(ch.PowerLevels)
	out.RecentMessages = cloneMessages(ch.RecentMessages)
	out.Activity = cloneActivity(ch.Activity)
	return &out
}

func clonePowerLevels(levels map[string]int) map[string]int {
	return maps.Clone(levels)
}

func cloneActivity(a *models.ActivityMetrics) *models.ActivityMetrics {
	if a == nil {
		return nil
	}
	out := *a
	out.ActiveSenders = slices.Clone(a.ActiveSenders)
	out.Keywords = slices.Clone(a.Keywords)
	return &out
}

func cloneActionRecord(rec *models.ActionRecord) *models.ActionRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Parameters = maps.Clone(rec.Parameters)
	out.Result = maps.Clone(rec.Result)
	return &out
}

func cloneUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

func cloneInvite(inv *models.PendingInvite) *models.PendingInvite {
	if inv == nil {
		return nil
	}
	out := *inv
	return &out
}

func cloneMediaRef(ref *models.GeneratedMediaRef) *models.GeneratedMediaRef {
	if ref == nil {
		return nil
	}
	out := *ref
	return &out
}

func sortInvites(invites []*models.PendingInvite) {
	sort.Slice(invites, func(i, j int) bool {
		if !invites[i].InvitedAt.Equal(invites[j].InvitedAt) {
			return invites[i].InvitedAt.Before(invites[j].InvitedAt)
		}
		return invites[i].ChannelID < invites[j].ChannelID
	})
}

func sortChannelsByActivity(channels []*models.Channel) {
	sort.Slice(channels, func(i, j int) bool {
		if !channels[i].LastActivity.Equal(channels[j].LastActivity) {
			return channels[i].LastActivity.After(channels[j].LastActivity)
		}
		return channels[i].ID < channels[j].ID
	})
}
