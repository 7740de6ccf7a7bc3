package payload

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Config bounds what a payload may carry.
type Config struct {
	// DetailMessages caps recent_messages in a detailed channel view.
	DetailMessages int

	// ActionHistory caps how many past actions the model sees.
	ActionHistory int

	// MediaWindow bounds how far back recent_media reaches.
	MediaWindow time.Duration

	// MaxBytes is the hard budget; payloads above it are trimmed.
	MaxBytes int

	// MaxContentLen is the per-message body cap applied by the last
	// trim step.
	MaxContentLen int

	// SummaryKeep is how many unpinned collapsed summaries survive
	// trimming.
	SummaryKeep int
}

// DefaultConfig returns the default payload bounds.
func DefaultConfig() Config {
	return Config{
		DetailMessages: 20,
		ActionHistory:  20,
		MediaWindow:    time.Hour,
		MaxBytes:       120_000,
		MaxContentLen:  1500,
		SummaryKeep:    15,
	}
}

// BuildRequest describes one cycle's payload.
type BuildRequest struct {
	CycleID          string
	Mode             Mode
	FocusPlatform    models.Platform
	FocusChannelID   string
	TriggerMessageID string
	Identity         Identity
	Connections      map[string]string
}

// Builder assembles payloads from the world state, node manager, and
// rate limiter.
type Builder struct {
	config  Config
	world   *worldstate.Store
	nodes   *nodes.Manager
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewBuilder creates a payload builder.
func NewBuilder(config Config, world *worldstate.Store, nodeMgr *nodes.Manager, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) *Builder {
	if config.DetailMessages <= 0 {
		config.DetailMessages = DefaultConfig().DetailMessages
	}
	if config.ActionHistory <= 0 {
		config.ActionHistory = DefaultConfig().ActionHistory
	}
	if config.MediaWindow <= 0 {
		config.MediaWindow = DefaultConfig().MediaWindow
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	if config.MaxContentLen <= 0 {
		config.MaxContentLen = DefaultConfig().MaxContentLen
	}
	if config.SummaryKeep <= 0 {
		config.SummaryKeep = DefaultConfig().SummaryKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		config:  config,
		world:   world,
		nodes:   nodeMgr,
		limiter: limiter,
		logger:  logger.With("component", "payload.builder"),
		metrics: metrics,
	}
}

// Build assembles the payload for one cycle and enforces the byte
// budget.
func (b *Builder) Build(req BuildRequest) (*Payload, error) {
	now := time.Now()
	snap := b.world.Snapshot()

	var p *Payload
	switch req.Mode {
	case ModeNodeBased:
		p = b.buildNodeBased(req, snap, now)
	default:
		p = b.buildTraditional(req, snap, now)
	}

	p.SystemStatus = b.systemStatus(req, snap, now)
	p.BotActivity = b.buildBotActivity(snap, b.world.LastAction(), req.Identity, now)

	return b.finalize(p)
}

func (b *Builder) buildTraditional(req BuildRequest, snap *worldstate.Snapshot, now time.Time) *Payload {
	focusKey := channelKey(req.FocusPlatform, req.FocusChannelID)

	p := &Payload{
		Mode:             ModeTraditional,
		GeneratedAt:      unixSeconds(now),
		CurrentChannelID: req.FocusChannelID,
		Channels:         make(map[string]*ChannelView, len(snap.Channels)),
	}

	messageCount := 0
	for key, ch := range snap.Channels {
		detail := key == focusKey
		view := channelView(ch, detail, b.config.DetailMessages)
		p.Channels[key] = view
		messageCount += len(view.RecentMessages)
	}

	if req.TriggerMessageID != "" {
		if thread := b.world.Thread(req.FocusPlatform, req.FocusChannelID, req.TriggerMessageID); thread != nil {
			p.Threads = append(p.Threads, threadView(thread))
		}
	}

	p.ActionHistory = b.actionViews(snap.ActionHistory, req.Identity)

	for _, ref := range snap.RecentMedia {
		if now.Sub(ref.CreatedAt) <= b.config.MediaWindow {
			p.RecentMedia = append(p.RecentMedia, mediaView(ref))
		}
	}

	p.Stats = Stats{
		Channels: len(p.Channels),
		Messages: messageCount,
		Actions:  len(p.ActionHistory),
		Identity: req.Identity,
	}
	return p
}

func (b *Builder) buildNodeBased(req BuildRequest, snap *worldstate.Snapshot, now time.Time) *Payload {
	b.registerKnownNodes(snap)

	p := &Payload{
		Mode:                   ModeNodeBased,
		GeneratedAt:            unixSeconds(now),
		CurrentChannelID:       req.FocusChannelID,
		ExpandedNodes:          make(map[string]any),
		CollapsedNodeSummaries: make(map[string]*NodeSummary),
	}

	known := b.nodes.All()
	messageCount := 0
	for _, meta := range known {
		data, ok := b.nodeData(meta.NodePath, snap, req, now)

		if meta.IsExpanded && ok {
			p.ExpandedNodes[meta.NodePath] = data
			if cv, isChannel := data.(*ChannelView); isChannel {
				messageCount += len(cv.RecentMessages)
			}
			continue
		}

		summary := &NodeSummary{
			Summary:       meta.Summary,
			LastSummaryTS: unixSeconds(meta.LastSummary),
		}
		if ok {
			summary.DataChanged = b.nodes.IsDataChanged(meta.NodePath, data)
		} else {
			summary.DataChanged = meta.Fingerprint == ""
		}
		p.CollapsedNodeSummaries[meta.NodePath] = summary
	}

	status := b.nodes.Status()
	p.ExpansionStatus = &status
	p.SystemEvents = b.nodes.SystemEvents()

	p.Stats = Stats{
		Channels: len(snap.Channels),
		Messages: messageCount,
		Actions:  len(snap.ActionHistory),
		Nodes:    len(known),
		Identity: req.Identity,
	}
	return p
}

// registerKnownNodes makes sure every channel, user, and system subtree
// visible in the snapshot has a node, so the payload lists the whole
// world, expanded or in summary form.
func (b *Builder) registerKnownNodes(snap *worldstate.Snapshot) {
	for _, ch := range snap.Channels {
		b.nodes.Ensure(nodes.ChannelPath(ch.Platform, ch.ID))
	}
	for _, u := range snap.Users {
		b.nodes.Ensure(nodes.UserPath(u.Platform, u.ID))
	}
	b.nodes.Ensure(nodes.PathRateLimits)
	b.nodes.Ensure(nodes.PathNotifications)
	b.nodes.Ensure(nodes.PathActionHistory)
}

// nodeData resolves a node path against the snapshot. The same
// resolution feeds expanded content, change detection, and the
// out-of-band summarizer.
func (b *Builder) nodeData(path string, snap *worldstate.Snapshot, req BuildRequest, now time.Time) (any, bool) {
	switch path {
	case nodes.PathRateLimits:
		return b.rateLimitData(snap, now), true
	case nodes.PathNotifications:
		invites := make([]InviteView, 0, len(snap.PendingInvites))
		for _, inv := range snap.PendingInvites {
			invites = append(invites, inviteView(inv))
		}
		return map[string]any{"pending_invites": invites}, true
	case nodes.PathActionHistory:
		return b.actionViews(snap.ActionHistory, req.Identity), true
	}

	parts := strings.SplitN(path, ".", 3)
	switch {
	case len(parts) == 3 && parts[0] == "channels":
		key := parts[1] + ":" + parts[2]
		ch, ok := snap.Channels[key]
		if !ok {
			return nil, false
		}
		return channelView(ch, true, b.config.DetailMessages), true
	case len(parts) == 3 && parts[0] == "users":
		key := parts[1] + ":" + parts[2]
		u, ok := snap.Users[key]
		if !ok {
			return nil, false
		}
		return userView(u), true
	case len(parts) >= 2 && parts[0] == "threads":
		rootID := strings.TrimPrefix(path, "threads.")
		for _, ch := range snap.Channels {
			if thread := b.world.Thread(ch.Platform, ch.ID, rootID); thread != nil {
				return threadView(thread), true
			}
		}
		return nil, false
	}
	return nil, false
}

// NodeData resolves a node path against a fresh snapshot, for callers
// outside the build cycle such as the summary refresher.
func (b *Builder) NodeData(path string, identity Identity) (any, bool) {
	return b.nodeData(path, b.world.Snapshot(), BuildRequest{Identity: identity}, time.Now())
}

func (b *Builder) rateLimitData(snap *worldstate.Snapshot, now time.Time) map[string]any {
	data := map[string]any{}
	if b.limiter != nil {
		data["internal"] = b.limiter.GetStatus(now)
	}
	if len(snap.RateLimits) > 0 {
		api := make(map[string]APILimitView, len(snap.RateLimits))
		for name, rl := range snap.RateLimits {
			api[name] = apiLimitView(rl, rl.Stale(now))
		}
		data["external"] = api
	}
	return data
}

func (b *Builder) systemStatus(req BuildRequest, snap *worldstate.Snapshot, now time.Time) *SystemStatus {
	status := &SystemStatus{
		CycleID:     req.CycleID,
		Connections: req.Connections,
	}
	if b.limiter != nil {
		status.RateLimits = b.limiter.GetStatus(now)
	}
	if len(snap.RateLimits) > 0 {
		status.APILimits = make(map[string]APILimitView, len(snap.RateLimits))
		for name, rl := range snap.RateLimits {
			status.APILimits[name] = apiLimitView(rl, rl.Stale(now))
		}
	}
	for _, inv := range snap.PendingInvites {
		status.PendingInvites = append(status.PendingInvites, inviteView(inv))
	}
	return status
}

// actionViews renders the newest configured slice of the action history,
// dropping records that merely observe the agent's own messages.
func (b *Builder) actionViews(recs []*models.ActionRecord, id Identity) []*ActionView {
	views := make([]*ActionView, 0, len(recs))
	for _, rec := range recs {
		if sender, ok := rec.Parameters["sender"].(string); ok && id.IsSelf(sender) {
			continue
		}
		views = append(views, actionView(rec))
	}
	if len(views) > b.config.ActionHistory {
		views = views[len(views)-b.config.ActionHistory:]
	}
	return views
}

func channelKey(platform models.Platform, channelID string) string {
	return string(platform) + ":" + channelID
}

// sortedChannelKeys is used by trim steps that need deterministic
// iteration over the channel map.
func sortedChannelKeys(channels map[string]*ChannelView) []string {
	keys := make([]string, 0, len(channels))
	for key := range channels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
