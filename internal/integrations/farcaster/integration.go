// Package farcaster implements the Farcaster platform integration over a
// Neynar-style indexer API. Observation is pull-based: notification and
// channel-feed pollers, plus an optional websocket stream for live casts.
// Writes go through the signer registered with the API key.
package farcaster

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

// homeChannel is the synthetic channel ID for casts outside any channel.
const homeChannel = "home"

// seenCap bounds the poller's duplicate-suppression window. The world
// store dedups by (platform, id) anyway; this just keeps poll overlap
// from flooding the event feed.
const seenCap = 4096

// Integration is a connected Farcaster account.
type Integration struct {
	cfg     *Config
	api     *apiClient
	logger  *slog.Logger
	metrics *observability.Metrics
	selfFID int64

	events chan models.Message
	done   chan struct{}
	seen   *seenSet

	mu           sync.RWMutex
	status       integrations.Status
	channels     map[string]string
	cancel       context.CancelFunc
	started      bool
	eventsClosed bool
}

// New creates a Farcaster integration. The account connects on Connect.
func New(cfg Config, metrics *observability.Metrics) (*Integration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	selfFID, _ := strconv.ParseInt(cfg.FID, 10, 64)

	channels := map[string]string{homeChannel: "Home"}
	for _, ch := range cfg.Channels {
		channels[ch] = ch
	}

	return &Integration{
		cfg:     &cfg,
		api:     newAPIClient(&cfg),
		logger:  cfg.Logger.With("integration", "farcaster"),
		metrics: metrics,
		selfFID: selfFID,
		events:  make(chan models.Message, cfg.EventBuffer),
		done:    make(chan struct{}),
		seen:    newSeenSet(seenCap),
		status: integrations.Status{
			Platform: models.PlatformFarcaster,
			State:    integrations.StateDisconnected,
		},
		channels: channels,
	}, nil
}

// Platform returns the platform identifier.
func (i *Integration) Platform() models.Platform {
	return models.PlatformFarcaster
}

// Connect verifies the API key against the agent's own profile and
// starts the pollers and, when configured, the event stream.
func (i *Integration) Connect(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	if i.eventsClosed {
		i.mu.Unlock()
		return corviderr.ErrConnection("farcaster: integration already shut down", nil)
	}
	i.status.State = integrations.StateConnecting
	i.mu.Unlock()

	self, err := i.api.userByFID(ctx, i.selfFID)
	if err != nil {
		i.setState(integrations.StateError, err)
		return corviderr.ErrConnection("farcaster: profile probe failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	i.cancel = cancel
	i.started = true
	i.status.State = integrations.StateConnected
	i.status.Since = time.Now()
	i.status.LastError = ""
	i.mu.Unlock()

	go i.run(runCtx)

	if i.metrics != nil {
		i.metrics.SetIntegrationUp(string(models.PlatformFarcaster), true)
	}
	i.logger.Info("farcaster integration connected",
		"fid", i.selfFID,
		"username", self.Username,
		"channels", i.cfg.Channels,
		"stream", i.cfg.StreamURL != "")
	return nil
}

// Disconnect stops the pollers and closes the event feed.
func (i *Integration) Disconnect(ctx context.Context) error {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = false
	cancel := i.cancel
	i.mu.Unlock()

	cancel()

	select {
	case <-i.done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		i.logger.Warn("poll loop did not stop in time")
	}

	i.mu.Lock()
	if !i.eventsClosed {
		i.eventsClosed = true
		close(i.events)
	}
	i.status.State = integrations.StateDisconnected
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.SetIntegrationUp(string(models.PlatformFarcaster), false)
	}
	i.logger.Info("farcaster integration disconnected")
	return nil
}

// TestConnection probes the API by fetching the agent's own profile.
func (i *Integration) TestConnection(ctx context.Context) integrations.ConnectionTestResult {
	start := time.Now()
	self, err := i.api.userByFID(ctx, i.selfFID)
	if err != nil {
		return integrations.ConnectionTestResult{
			OK:      false,
			Detail:  err.Error(),
			Latency: time.Since(start),
		}
	}
	return integrations.ConnectionTestResult{
		OK:      true,
		Detail:  "authenticated as @" + self.Username,
		Latency: time.Since(start),
	}
}

// Status returns the current connection status.
func (i *Integration) Status() integrations.Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Events returns the inbound observation feed.
func (i *Integration) Events() <-chan models.Message {
	return i.events
}

// SendMessage publishes a cast. channelID selects the channel feed;
// "home" or empty posts to the home feed.
func (i *Integration) SendMessage(ctx context.Context, channelID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	channel := opts.Channel
	if channel == "" {
		channel = channelID
	}
	return i.publish(ctx, content, "", channel, opts.MediaURLs)
}

// ReplyToMessage publishes a cast replying to the parent hash.
func (i *Integration) ReplyToMessage(ctx context.Context, channelID, replyToID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	if replyToID == "" {
		return nil, corviderr.ErrValidation("farcaster: parent hash is required", nil)
	}
	return i.publish(ctx, content, replyToID, "", opts.MediaURLs)
}

func (i *Integration) publish(ctx context.Context, text, parent, channel string, embeds []string) (*integrations.SendResult, error) {
	if text == "" {
		return nil, corviderr.ErrValidation("farcaster: cast text is required", nil)
	}
	if channel == homeChannel {
		channel = ""
	}

	published, snap, err := i.api.publishCast(ctx, text, parent, channel, embeds, uuid.NewString())
	if err != nil {
		if i.metrics != nil {
			i.metrics.RecordError("integration.farcaster", errCode(err))
		}
		i.setLastError(err)
		return nil, err
	}

	i.seen.add(published.Hash)
	i.logger.Debug("published cast",
		"hash", published.Hash,
		"channel", channel,
		"parent", parent)

	ts := published.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &integrations.SendResult{
		MessageID: published.Hash,
		Timestamp: ts,
		RateLimit: snap,
	}, nil
}

// React likes or recasts a cast. Any reaction key other than "recast"
// maps to a like.
func (i *Integration) React(ctx context.Context, channelID, messageID, reaction string) error {
	reactionType := "like"
	if reaction == "recast" {
		reactionType = "recast"
	}
	if err := i.api.react(ctx, reactionType, messageID); err != nil {
		i.setLastError(err)
		return err
	}
	return nil
}

// Follow follows a user by fid.
func (i *Integration) Follow(ctx context.Context, userID string) error {
	fid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return corviderr.ErrValidation("farcaster: user_id must be a fid", err)
	}
	if err := i.api.follow(ctx, []int64{fid}); err != nil {
		i.setLastError(err)
		return err
	}
	return nil
}

// GetProfile fetches a user profile by fid.
func (i *Integration) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	fid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, corviderr.ErrValidation("farcaster: user_id must be a fid", err)
	}
	author, err := i.api.userByFID(ctx, fid)
	if err != nil {
		return nil, err
	}
	return userFromAuthor(author), nil
}

// SearchPosts searches public casts.
func (i *Integration) SearchPosts(ctx context.Context, query string, limit int) ([]*models.Message, error) {
	casts, err := i.api.searchCasts(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Message, 0, len(casts))
	for idx := range casts {
		msg := i.castToMessage(&casts[idx])
		out = append(out, &msg)
	}
	return out, nil
}

// ResolveChannel returns metadata for a channel feed observed so far.
func (i *Integration) ResolveChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	i.mu.RLock()
	name, ok := i.channels[channelID]
	i.mu.RUnlock()
	if !ok {
		return nil, corviderr.ErrValidation("farcaster: unknown channel "+channelID, nil)
	}

	ch := &models.Channel{
		ID:       channelID,
		Platform: models.PlatformFarcaster,
		Name:     name,
	}
	for _, observed := range i.cfg.Channels {
		if observed == channelID {
			ch.Status = models.ChannelJoined
			break
		}
	}
	if channelID == homeChannel {
		ch.Status = models.ChannelJoined
	}
	return ch, nil
}

// run drives the pollers and the optional stream until cancelled.
func (i *Integration) run(ctx context.Context) {
	defer close(i.done)

	if i.cfg.StreamURL != "" {
		stream := newStreamClient(i.cfg, i.handleStreamCast)
		go stream.run(ctx)
	}

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	i.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.pollOnce(ctx)
		}
	}
}

func (i *Integration) pollOnce(ctx context.Context) {
	casts, err := i.api.mentions(ctx, i.selfFID, i.cfg.FeedLimit)
	if err != nil {
		i.logger.Warn("notification poll failed", "error", err)
		i.setLastError(err)
		if i.metrics != nil {
			i.metrics.RecordError("integration.farcaster", errCode(err))
		}
	} else {
		i.emitCasts(casts)
	}

	if len(i.cfg.Channels) == 0 {
		return
	}
	casts, err = i.api.channelFeed(ctx, i.cfg.Channels, i.cfg.FeedLimit)
	if err != nil {
		i.logger.Warn("channel feed poll failed", "error", err)
		i.setLastError(err)
		if i.metrics != nil {
			i.metrics.RecordError("integration.farcaster", errCode(err))
		}
		return
	}
	i.emitCasts(casts)
}

func (i *Integration) emitCasts(casts []cast) {
	// Feeds arrive newest first; emit oldest first.
	for idx := len(casts) - 1; idx >= 0; idx-- {
		c := &casts[idx]
		if c.Hash == "" || !i.seen.add(c.Hash) {
			continue
		}
		i.emit(i.castToMessage(c))
	}
}

func (i *Integration) handleStreamCast(c cast) {
	if c.Hash == "" || !i.seen.add(c.Hash) {
		return
	}
	i.emit(i.castToMessage(&c))
}

func (i *Integration) castToMessage(c *cast) models.Message {
	channelID := homeChannel
	if c.Channel != nil && c.Channel.ID != "" {
		channelID = c.Channel.ID
		i.noteChannel(c.Channel)
	}

	msg := models.Message{
		ID:            c.Hash,
		ChannelID:     channelID,
		Platform:      models.PlatformFarcaster,
		SenderID:      strconv.FormatInt(c.Author.FID, 10),
		SenderDisplay: c.Author.DisplayName,
		Content:       c.Text,
		Timestamp:     c.Timestamp,
		ReplyTo:       c.ParentHash,
		FromSelf:      c.Author.FID == i.selfFID,
	}
	if msg.SenderDisplay == "" {
		msg.SenderDisplay = c.Author.Username
	}
	for _, e := range c.Embeds {
		if e.URL != "" {
			msg.MediaURLs = append(msg.MediaURLs, e.URL)
		}
	}
	return msg
}

func (i *Integration) noteChannel(ref *channelRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	name := ref.Name
	if name == "" {
		name = ref.ID
	}
	i.channels[ref.ID] = name
}

func (i *Integration) emit(msg models.Message) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.eventsClosed {
		return
	}
	select {
	case i.events <- msg:
		if i.metrics != nil {
			i.metrics.MessageIngested(string(models.PlatformFarcaster))
		}
	default:
		i.logger.Warn("event buffer full, dropping cast", "hash", msg.ID)
	}
}

func (i *Integration) setState(state integrations.State, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.State = state
	if err != nil {
		i.status.LastError = err.Error()
	}
}

func (i *Integration) setLastError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.LastError = err.Error()
}

func userFromAuthor(a *castAuthor) *models.User {
	return &models.User{
		ID:             strconv.FormatInt(a.FID, 10),
		Platform:       models.PlatformFarcaster,
		Handle:         a.Username,
		DisplayName:    a.DisplayName,
		FollowerCount:  a.FollowerCount,
		FollowingCount: a.FollowingCount,
		Verified:       len(a.Verifications) > 0,
		PowerBadge:     a.PowerBadge,
		Bio:            a.Profile.Bio.Text,
		LastSeen:       time.Now(),
	}
}

func errCode(err error) string {
	var cerr *corviderr.Error
	if errors.As(err, &cerr) {
		return string(cerr.Code)
	}
	return "UNKNOWN"
}

// seenSet is a bounded set of cast hashes with FIFO eviction.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]bool
	order []string
	limit int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{
		ids:   make(map[string]bool, limit),
		limit: limit,
	}
}

// add returns false if the id was already present.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
