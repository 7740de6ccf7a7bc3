package worldstate

import (
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

// Snapshot is a deep copy of the world model at one instant. Payload
// builders read snapshots so a decision cycle sees a consistent world even
// while integrations keep writing to the store.
type Snapshot struct {
	TakenAt        time.Time                           `json:"taken_at"`
	Channels       map[string]*models.Channel          `json:"channels"`
	Users          map[string]*models.User             `json:"users,omitempty"`
	ActionHistory  []*models.ActionRecord              `json:"action_history,omitempty"`
	LastAction     *models.ActionRecord                `json:"last_action,omitempty"`
	PendingInvites []*models.PendingInvite             `json:"pending_invites,omitempty"`
	RecentMedia    []*models.GeneratedMediaRef         `json:"recent_media,omitempty"`
	RateLimits     map[string]models.RateLimitSnapshot `json:"rate_limits,omitempty"`
}

// Snapshot deep-copies the current world model. Channel copies carry
// activity metrics computed at the snapshot instant.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	snap := &Snapshot{
		TakenAt:    now,
		Channels:   make(map[string]*models.Channel, len(s.channels)),
		RateLimits: make(map[string]models.RateLimitSnapshot, len(s.rateLimits)),
	}

	for key, ch := range s.channels {
		out := cloneChannel(ch)
		if tracker, ok := s.trackers[key]; ok {
			out.Activity = tracker.metrics(now)
		}
		snap.Channels[key] = out
	}
	if len(s.users) > 0 {
		snap.Users = make(map[string]*models.User, len(s.users))
		for key, u := range s.users {
			snap.Users[key] = cloneUser(u)
		}
	}
	for _, rec := range s.actions {
		snap.ActionHistory = append(snap.ActionHistory, cloneActionRecord(rec))
	}
	snap.LastAction = cloneActionRecord(s.lastAction)
	for _, inv := range s.invites {
		snap.PendingInvites = append(snap.PendingInvites, cloneInvite(inv))
	}
	sortInvites(snap.PendingInvites)
	for _, ref := range s.media {
		snap.RecentMedia = append(snap.RecentMedia, cloneMediaRef(ref))
	}
	for api, rl := range s.rateLimits {
		snap.RateLimits[api] = rl
	}
	return snap
}

// Channels returns deep copies of every known channel, most recently
// active first, with activity metrics populated.
func (s *Store) Channels() []*models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]*models.Channel, 0, len(s.channels))
	for key, ch := range s.channels {
		c := cloneChannel(ch)
		if tracker, ok := s.trackers[key]; ok {
			c.Activity = tracker.metrics(now)
		}
		out = append(out, c)
	}
	sortChannelsByActivity(out)
	return out
}

// Stats is a coarse census of the store for status reporting.
type Stats struct {
	Channels       int `json:"channels"`
	Users          int `json:"users"`
	SeenMessages   int `json:"seen_messages"`
	ActionHistory  int `json:"action_history"`
	PendingInvites int `json:"pending_invites"`
	GeneratedMedia int `json:"generated_media"`
}

// Stats returns current store counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Channels:       len(s.channels),
		Users:          len(s.users),
		SeenMessages:   len(s.seen),
		ActionHistory:  len(s.actions),
		PendingInvites: len(s.invites),
		GeneratedMedia: len(s.media),
	}
}
