// Package worldstate maintains the in-memory unified model of everything
// the agent observes: channels and their recent messages, users, action
// history, rate-limit snapshots, pending invites, and generated media. The
// store exclusively owns all entity instances; read methods return deep
// copies, and callers must not mutate what they get back.
package worldstate

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/pkg/models"
)

// Config controls in-memory retention.
type Config struct {
	// MessageCap bounds each channel's recent-message ring.
	MessageCap int
	// ActionCap bounds the in-memory action history.
	ActionCap int
}

const (
	defaultMessageCap = 50
	defaultActionCap  = 100
)

// Store is the thread-safe authoritative world model.
type Store struct {
	mu sync.RWMutex

	channels   map[string]*models.Channel
	trackers   map[string]*activityTracker
	users      map[string]*models.User
	seen       map[string]struct{}
	actions    []*models.ActionRecord
	lastAction *models.ActionRecord
	invites    map[string]*models.PendingInvite
	media      []*models.GeneratedMediaRef
	rateLimits map[string]models.RateLimitSnapshot

	messageCap int
	actionCap  int
	changeSink func(*models.StateChangeBlock)
}

// NewStore creates an empty store.
func NewStore(config Config) *Store {
	if config.MessageCap <= 0 {
		config.MessageCap = defaultMessageCap
	}
	if config.ActionCap <= 0 {
		config.ActionCap = defaultActionCap
	}
	return &Store{
		channels:   make(map[string]*models.Channel),
		trackers:   make(map[string]*activityTracker),
		users:      make(map[string]*models.User),
		seen:       make(map[string]struct{}),
		invites:    make(map[string]*models.PendingInvite),
		rateLimits: make(map[string]models.RateLimitSnapshot),
		messageCap: config.MessageCap,
		actionCap:  config.ActionCap,
	}
}

// SetChangeSink registers the callback that receives the tool_execution
// block emitted by AddActionResult. The sink runs outside the store lock.
func (s *Store) SetChangeSink(sink func(*models.StateChangeBlock)) {
	s.mu.Lock()
	s.changeSink = sink
	s.mu.Unlock()
}

func channelKey(platform models.Platform, channelID string) string {
	return string(platform) + ":" + channelID
}

// AddMessage ingests one message. It reports false for duplicates (the
// (platform, id) dedup set is never cleared during a run) and for
// malformed input. Unknown channels are created on the fly.
func (s *Store) AddMessage(msg *models.Message) bool {
	if msg == nil || msg.ID == "" || msg.ChannelID == "" || !msg.Platform.Valid() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	ch := s.channelLocked(msg.Platform, msg.ChannelID)
	ch.RecentMessages = insertByTimestamp(ch.RecentMessages, cloneMessage(msg))
	if over := len(ch.RecentMessages) - s.messageCap; over > 0 {
		ch.RecentMessages = append([]*models.Message{}, ch.RecentMessages[over:]...)
	}
	if msg.Timestamp.After(ch.LastActivity) {
		ch.LastActivity = msg.Timestamp
	}

	s.trackerLocked(msg.Platform, msg.ChannelID).record(msg)
	return true
}

// insertByTimestamp keeps the ring ordered by ascending timestamp. Messages
// almost always arrive in order, so this bubbles from the tail.
func insertByTimestamp(msgs []*models.Message, msg *models.Message) []*models.Message {
	msgs = append(msgs, msg)
	for i := len(msgs) - 1; i > 0 && msgs[i].Timestamp.Before(msgs[i-1].Timestamp); i-- {
		msgs[i], msgs[i-1] = msgs[i-1], msgs[i]
	}
	return msgs
}

// UpdateMessageContent rewrites the content of an already-ingested message
// in place, keeping its position in the ring. Used when an encrypted event
// decrypts after its placeholder was stored. Reports whether the message
// was found.
func (s *Store) UpdateMessageContent(msg *models.Message) bool {
	if msg == nil || msg.ID == "" || msg.ChannelID == "" || !msg.Platform.Valid() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelKey(msg.Platform, msg.ChannelID)]
	if !ok {
		return false
	}
	for _, stored := range ch.RecentMessages {
		if stored.ID != msg.ID {
			continue
		}
		stored.Content = msg.Content
		stored.ReplyTo = msg.ReplyTo
		stored.MediaURLs = slices.Clone(msg.MediaURLs)
		stored.Metadata = maps.Clone(msg.Metadata)
		return true
	}
	return false
}

// channelLocked returns the channel, creating a joined placeholder if it is
// unknown (must be called with lock held).
func (s *Store) channelLocked(platform models.Platform, channelID string) *models.Channel {
	key := channelKey(platform, channelID)
	ch, ok := s.channels[key]
	if !ok {
		ch = &models.Channel{
			ID:       channelID,
			Platform: platform,
			Status:   models.ChannelJoined,
		}
		s.channels[key] = ch
	}
	return ch
}

// trackerLocked returns the channel's activity tracker (must be called with
// lock held).
func (s *Store) trackerLocked(platform models.Platform, channelID string) *activityTracker {
	key := channelKey(platform, channelID)
	tracker, ok := s.trackers[key]
	if !ok {
		tracker = newActivityTracker()
		s.trackers[key] = tracker
	}
	return tracker
}

// AddActionResult appends a record to the action history, trims to the cap
// with the newest at the tail, updates the last-action pointer, and emits a
// tool_execution state change to the registered sink.
func (s *Store) AddActionResult(rec *models.ActionRecord) {
	if rec == nil {
		return
	}

	s.mu.Lock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	stored := cloneActionRecord(rec)
	s.actions = append(s.actions, stored)
	if over := len(s.actions) - s.actionCap; over > 0 {
		s.actions = append([]*models.ActionRecord{}, s.actions[over:]...)
	}
	s.lastAction = stored
	sink := s.changeSink
	s.mu.Unlock()

	if sink != nil {
		sink(toolExecutionBlock(stored))
	}
}

func toolExecutionBlock(rec *models.ActionRecord) *models.StateChangeBlock {
	return &models.StateChangeBlock{
		ID:         uuid.NewString(),
		Timestamp:  rec.Timestamp,
		ChangeType: models.ChangeToolExecution,
		Source:     rec.ActionKind,
		ChannelID:  rec.ChannelID,
		Platform:   rec.Platform,
		SelectedActions: []map[string]any{{
			"action_type": rec.ActionKind,
			"parameters":  rec.Parameters,
			"success":     rec.Success,
			"result":      rec.Result,
		}},
		Reasoning: rec.Reasoning,
	}
}

// SetLastActionResult overrides the last-action pointer without touching
// the history. The anti-loop builder reads it each cycle.
func (s *Store) SetLastActionResult(rec *models.ActionRecord) {
	s.mu.Lock()
	s.lastAction = cloneActionRecord(rec)
	s.mu.Unlock()
}

// LastAction returns a copy of the most recent action, or nil.
func (s *Store) LastAction() *models.ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneActionRecord(s.lastAction)
}

// ActionHistory returns copies of the newest limit records, oldest first.
// A non-positive limit returns the full retained history.
func (s *Store) ActionHistory(limit int) []*models.ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.actions) > limit {
		start = len(s.actions) - limit
	}
	out := make([]*models.ActionRecord, 0, len(s.actions)-start)
	for _, rec := range s.actions[start:] {
		out = append(out, cloneActionRecord(rec))
	}
	return out
}

// HasSuccessfulAction reports whether the retained history holds a
// successful action of the given kind whose parameter paramKey equals
// paramValue. The executor uses it to refuse duplicate posts to the same
// target.
func (s *Store) HasSuccessfulAction(kind, paramKey, paramValue string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.actions) - 1; i >= 0; i-- {
		rec := s.actions[i]
		if rec.ActionKind != kind || !rec.Success {
			continue
		}
		if v, ok := rec.Parameters[paramKey]; ok {
			if str, ok := v.(string); ok && str == paramValue {
				return true
			}
		}
	}
	return false
}

// UpdateChannelStatus sets the membership status, creating the channel if
// unknown.
func (s *Store) UpdateChannelStatus(channelID string, platform models.Platform, status models.ChannelStatus) {
	s.mu.Lock()
	s.channelLocked(platform, channelID).Status = status
	s.mu.Unlock()
}

// UpsertChannel merges metadata from a platform sync into the stored
// channel. The message ring and activity metrics are never touched here.
func (s *Store) UpsertChannel(info *models.Channel) {
	if info == nil || info.ID == "" || !info.Platform.Valid() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channelLocked(info.Platform, info.ID)
	if info.Name != "" {
		ch.Name = info.Name
	}
	if info.Topic != "" {
		ch.Topic = info.Topic
	}
	if info.CanonicalAlias != "" {
		ch.CanonicalAlias = info.CanonicalAlias
	}
	if info.MemberCount > 0 {
		ch.MemberCount = info.MemberCount
	}
	if info.Status != "" {
		ch.Status = info.Status
	}
	// Encryption never downgrades mid-run.
	ch.Encrypted = ch.Encrypted || info.Encrypted
	if info.PowerLevels != nil {
		ch.PowerLevels = clonePowerLevels(info.PowerLevels)
	}
}

// Channel returns a deep copy with activity metrics populated.
func (s *Store) Channel(platform models.Platform, channelID string) (*models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelKey(platform, channelID)]
	if !ok {
		return nil, false
	}
	out := cloneChannel(ch)
	if tracker, ok := s.trackers[channelKey(platform, channelID)]; ok {
		out.Activity = tracker.metrics(time.Now())
	}
	return out, true
}

// UpsertUser merges an observed profile into the store.
func (s *Store) UpsertUser(u *models.User) {
	if u == nil || u.ID == "" || !u.Platform.Valid() {
		return
	}
	s.mu.Lock()
	s.users[u.Key()] = cloneUser(u)
	s.mu.Unlock()
}

// User returns a copy of the profile, if observed.
func (s *Store) User(platform models.Platform, id string) (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[string(platform)+":"+id]
	if !ok {
		return nil, false
	}
	return cloneUser(u), true
}

// RegisterGeneratedMedia records a generated media reference.
func (s *Store) RegisterGeneratedMedia(ref *models.GeneratedMediaRef) {
	if ref == nil || ref.MediaID == "" {
		return
	}
	s.mu.Lock()
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now()
	}
	s.media = append(s.media, cloneMediaRef(ref))
	s.mu.Unlock()
}

// LastGeneratedMedia returns the newest media reference created within the
// window, or nil. The executor uses it to attach fresh images to follow-up
// posts.
func (s *Store) LastGeneratedMedia(within time.Duration) *models.GeneratedMediaRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-within)
	for i := len(s.media) - 1; i >= 0; i-- {
		if s.media[i].CreatedAt.After(cutoff) {
			return cloneMediaRef(s.media[i])
		}
	}
	return nil
}

// RecentMedia returns copies of references created within the window,
// oldest first.
func (s *Store) RecentMedia(within time.Duration) []*models.GeneratedMediaRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-within)
	var out []*models.GeneratedMediaRef
	for _, ref := range s.media {
		if ref.CreatedAt.After(cutoff) {
			out = append(out, cloneMediaRef(ref))
		}
	}
	return out
}

// EvictExpiredMedia drops references older than maxAge and reports how many
// were removed.
func (s *Store) EvictExpiredMedia(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	kept := s.media[:0]
	removed := 0
	for _, ref := range s.media {
		if ref.CreatedAt.After(cutoff) {
			kept = append(kept, ref)
		} else {
			removed++
		}
	}
	s.media = kept
	return removed
}

// SetRateLimitSnapshot records the latest budget reported by an external
// API.
func (s *Store) SetRateLimitSnapshot(api string, snap models.RateLimitSnapshot) {
	s.mu.Lock()
	snap.LastUpdated = time.Now()
	s.rateLimits[api] = snap
	s.mu.Unlock()
}

// RateLimitSnapshot returns the recorded budget for an API.
func (s *Store) RateLimitSnapshot(api string) (models.RateLimitSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rateLimits[api]
	return snap, ok
}

// AddPendingInvite records an invite awaiting a decision. Re-invites to the
// same channel replace the earlier record.
func (s *Store) AddPendingInvite(inv *models.PendingInvite) {
	if inv == nil || inv.ChannelID == "" {
		return
	}
	s.mu.Lock()
	if inv.InvitedAt.IsZero() {
		inv.InvitedAt = time.Now()
	}
	s.invites[channelKey(inv.Platform, inv.ChannelID)] = cloneInvite(inv)
	s.mu.Unlock()
}

// RemovePendingInvite drops the invite after it was accepted or declined.
func (s *Store) RemovePendingInvite(channelID string, platform models.Platform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelKey(platform, channelID)
	if _, ok := s.invites[key]; !ok {
		return false
	}
	delete(s.invites, key)
	return true
}

// PendingInvites returns copies of all open invites, oldest first.
func (s *Store) PendingInvites() []*models.PendingInvite {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.PendingInvite, 0, len(s.invites))
	for _, inv := range s.invites {
		out = append(out, cloneInvite(inv))
	}
	sortInvites(out)
	return out
}
