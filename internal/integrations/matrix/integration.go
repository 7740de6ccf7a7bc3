// Package matrix implements the Matrix platform integration on top of
// mautrix. It feeds observed room events into the agent's world, sends
// messages and reactions, and manages room membership. Invites are never
// answered automatically; they are tracked until the agent decides.
package matrix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

// maxMediaBytes bounds downloads when mirroring media into the content
// repository.
const maxMediaBytes = 10 << 20

// Integration is a connected Matrix client.
type Integration struct {
	cfg     *Config
	client  *mautrix.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	crypto  *cryptohelper.CryptoHelper

	events chan models.Message
	done   chan struct{}

	mu           sync.RWMutex
	status       integrations.Status
	invites      map[string]models.PendingInvite
	rooms        map[string]*roomState
	sessions     map[string][]megolmSession
	cancel       context.CancelFunc
	started      bool
	eventsClosed bool
}

// roomState accumulates room metadata observed from sync state events.
type roomState struct {
	name        string
	topic       string
	alias       string
	encrypted   bool
	status      models.ChannelStatus
	powerLevels map[string]int
}

// New creates a Matrix integration. The client connects on Connect.
func New(cfg Config, metrics *observability.Metrics) (*Integration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, corviderr.ErrConnection("matrix: create client", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}

	i := &Integration{
		cfg:     &cfg,
		client:  client,
		logger:  cfg.Logger.With("integration", "matrix"),
		metrics: metrics,
		events:  make(chan models.Message, cfg.EventBuffer),
		done:    make(chan struct{}),
		status: integrations.Status{
			Platform: models.PlatformMatrix,
			State:    integrations.StateDisconnected,
		},
		invites:  make(map[string]models.PendingInvite),
		rooms:    make(map[string]*roomState),
		sessions: make(map[string][]megolmSession),
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, i.handleMessage)
	syncer.OnEventType(event.EventEncrypted, i.handleEncrypted)
	syncer.OnEventType(event.StateMember, i.handleMemberEvent)
	for _, t := range []event.Type{
		event.StateRoomName,
		event.StateTopic,
		event.StateCanonicalAlias,
		event.StateEncryption,
		event.StatePowerLevels,
	} {
		syncer.OnEventType(t, i.handleRoomState)
	}

	return i, nil
}

// Platform returns the platform identifier.
func (i *Integration) Platform() models.Platform {
	return models.PlatformMatrix
}

// Connect probes the homeserver and starts the background sync loop.
func (i *Integration) Connect(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	if i.eventsClosed {
		i.mu.Unlock()
		return corviderr.ErrConnection("matrix: integration already shut down", nil)
	}
	i.status.State = integrations.StateConnecting
	i.mu.Unlock()

	if i.cfg.PickleKey != "" {
		if err := i.enableEncryption(ctx); err != nil {
			i.setState(integrations.StateError, err)
			return err
		}
	}

	whoami, err := i.client.Whoami(ctx)
	if err != nil {
		i.setState(integrations.StateError, err)
		return corviderr.ErrConnection("matrix: whoami probe failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	i.cancel = cancel
	i.started = true
	i.status.State = integrations.StateConnected
	i.status.Since = time.Now()
	i.status.LastError = ""
	i.mu.Unlock()

	go i.syncLoop(runCtx)

	if i.metrics != nil {
		i.metrics.SetIntegrationUp(string(models.PlatformMatrix), true)
	}
	i.logger.Info("matrix integration connected",
		"homeserver", i.cfg.Homeserver,
		"user_id", whoami.UserID,
		"encrypted", i.crypto != nil)
	return nil
}

// Disconnect stops the sync loop and closes the event feed.
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
	i.client.StopSync()

	select {
	case <-i.done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		i.logger.Warn("sync loop did not stop in time")
	}

	if i.crypto != nil {
		if err := i.crypto.Close(); err != nil {
			i.logger.Warn("failed to close crypto store", "error", err)
		}
	}

	i.mu.Lock()
	if !i.eventsClosed {
		i.eventsClosed = true
		close(i.events)
	}
	i.status.State = integrations.StateDisconnected
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.SetIntegrationUp(string(models.PlatformMatrix), false)
	}
	i.logger.Info("matrix integration disconnected")
	return nil
}

// TestConnection probes the homeserver with a whoami request.
func (i *Integration) TestConnection(ctx context.Context) integrations.ConnectionTestResult {
	start := time.Now()
	resp, err := i.client.Whoami(ctx)
	if err != nil {
		return integrations.ConnectionTestResult{
			OK:      false,
			Detail:  err.Error(),
			Latency: time.Since(start),
		}
	}
	return integrations.ConnectionTestResult{
		OK:      true,
		Detail:  "authenticated as " + string(resp.UserID),
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

// SendMessage sends a message to a Matrix room.
func (i *Integration) SendMessage(ctx context.Context, channelID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	return i.send(ctx, channelID, content, "", opts)
}

// ReplyToMessage sends a reply related to an existing event.
func (i *Integration) ReplyToMessage(ctx context.Context, channelID, replyToID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	if replyToID == "" {
		return nil, corviderr.ErrValidation("matrix: reply_to_id is required", nil)
	}
	return i.send(ctx, channelID, content, replyToID, opts)
}

func (i *Integration) send(ctx context.Context, channelID, content, replyTo string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	if channelID == "" {
		return nil, corviderr.ErrValidation("matrix: channel_id is required", nil)
	}

	var ec *event.MessageEventContent
	if len(opts.MediaURLs) > 0 {
		uri, err := i.uploadMedia(ctx, opts.MediaURLs[0])
		if err != nil {
			return nil, err
		}
		body := content
		if body == "" {
			body = "image"
		}
		ec = &event.MessageEventContent{
			MsgType: event.MsgImage,
			Body:    body,
			URL:     uri,
		}
	} else {
		ec = &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    content,
		}
		if strings.Contains(content, "**") || strings.Contains(content, "```") {
			ec.Format = event.FormatHTML
			ec.FormattedBody = markdownToHTML(content)
		}
	}

	if replyTo != "" {
		ec.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
		}
	}

	resp, err := i.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, ec)
	if err != nil {
		if i.metrics != nil {
			i.metrics.RecordError("integration.matrix", string(corviderr.ErrCodeConnection))
		}
		return nil, corviderr.ErrConnection(fmt.Sprintf("matrix: send to %s failed", channelID), err)
	}

	i.logger.Debug("sent message",
		"room_id", channelID,
		"event_id", resp.EventID,
		"reply_to", replyTo)
	return &integrations.SendResult{
		MessageID: string(resp.EventID),
		Timestamp: time.Now(),
	}, nil
}

// React attaches an annotation reaction to an event.
func (i *Integration) React(ctx context.Context, channelID, messageID, reaction string) error {
	content := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: id.EventID(messageID),
			Key:     reaction,
		},
	}
	if _, err := i.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventReaction, content); err != nil {
		return corviderr.ErrConnection("matrix: send reaction", err)
	}
	return nil
}

// JoinRoom joins a room by ID or alias.
func (i *Integration) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := i.client.JoinRoom(ctx, roomID, nil); err != nil {
		return corviderr.ErrConnection("matrix: join "+roomID, err)
	}
	i.dropInvite(roomID)
	i.setRoomStatus(roomID, models.ChannelJoined)
	i.logger.Info("joined room", "room_id", roomID)
	return nil
}

// LeaveRoom leaves a room.
func (i *Integration) LeaveRoom(ctx context.Context, roomID string) error {
	if _, err := i.client.LeaveRoom(ctx, id.RoomID(roomID)); err != nil {
		return corviderr.ErrConnection("matrix: leave "+roomID, err)
	}
	i.setRoomStatus(roomID, models.ChannelLeft)
	i.logger.Info("left room", "room_id", roomID)
	return nil
}

// AcceptInvite joins an invited room.
func (i *Integration) AcceptInvite(ctx context.Context, roomID string) error {
	return i.JoinRoom(ctx, roomID)
}

// DeclineInvite rejects an invite by leaving the invited room.
func (i *Integration) DeclineInvite(ctx context.Context, roomID string) error {
	if _, err := i.client.LeaveRoom(ctx, id.RoomID(roomID)); err != nil {
		return corviderr.ErrConnection("matrix: decline invite to "+roomID, err)
	}
	i.dropInvite(roomID)
	i.logger.Info("declined invite", "room_id", roomID)
	return nil
}

// Invites returns the invites observed since connect, oldest first.
func (i *Integration) Invites(ctx context.Context) ([]models.PendingInvite, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]models.PendingInvite, 0, len(i.invites))
	for _, inv := range i.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].InvitedAt.Equal(out[b].InvitedAt) {
			return out[a].InvitedAt.Before(out[b].InvitedAt)
		}
		return out[a].ChannelID < out[b].ChannelID
	})
	return out, nil
}

// ResolveChannel returns metadata for a room observed since connect.
func (i *Integration) ResolveChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	st, ok := i.rooms[channelID]
	if !ok {
		return nil, corviderr.ErrValidation("matrix: unknown room "+channelID, nil)
	}

	ch := &models.Channel{
		ID:             channelID,
		Platform:       models.PlatformMatrix,
		Name:           st.name,
		Topic:          st.topic,
		CanonicalAlias: st.alias,
		Encrypted:      st.encrypted,
		Status:         st.status,
	}
	if st.powerLevels != nil {
		ch.PowerLevels = make(map[string]int, len(st.powerLevels))
		for user, level := range st.powerLevels {
			ch.PowerLevels[user] = level
		}
	}
	return ch, nil
}

func (i *Integration) syncLoop(ctx context.Context) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := i.client.SyncWithContext(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				i.logger.Error("sync failed", "error", err)
				i.setLastError(err)
				if i.metrics != nil {
					i.metrics.RecordError("integration.matrix", string(corviderr.ErrCodeConnection))
				}
				select {
				case <-time.After(i.cfg.SyncErrorBackoff):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (i *Integration) handleMessage(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote, event.MsgImage:
	default:
		return
	}

	msg := models.Message{
		ID:        string(evt.ID),
		ChannelID: string(evt.RoomID),
		Platform:  models.PlatformMatrix,
		SenderID:  string(evt.Sender),
		Content:   content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
		FromSelf:  string(evt.Sender) == i.cfg.UserID,
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.ReplyTo = string(content.RelatesTo.InReplyTo.EventID)
	}
	if content.MsgType == event.MsgImage && content.URL != "" {
		msg.MediaURLs = []string{string(content.URL)}
	}
	if i.resolveSession(msg.ChannelID, msg.ID) {
		msg.Metadata = map[string]any{"late_decrypt": true}
	}

	i.emit(msg)
}

func (i *Integration) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if evt.GetStateKey() != i.cfg.UserID {
		return
	}

	roomID := string(evt.RoomID)
	switch content.Membership {
	case event.MembershipInvite:
		i.mu.Lock()
		if _, seen := i.invites[roomID]; !seen {
			inv := models.PendingInvite{
				ChannelID: roomID,
				Platform:  models.PlatformMatrix,
				Inviter:   string(evt.Sender),
				InvitedAt: time.UnixMilli(evt.Timestamp),
			}
			if st, ok := i.rooms[roomID]; ok {
				inv.ChannelName = st.name
				inv.Topic = st.topic
			}
			i.invites[roomID] = inv
			i.roomLocked(roomID).status = models.ChannelInvited
		}
		i.mu.Unlock()
		i.logger.Info("room invite received", "room_id", roomID, "inviter", evt.Sender)
	case event.MembershipJoin:
		i.dropInvite(roomID)
		i.setRoomStatus(roomID, models.ChannelJoined)
	case event.MembershipLeave:
		i.dropInvite(roomID)
		i.setRoomStatus(roomID, models.ChannelLeft)
	case event.MembershipBan:
		i.dropInvite(roomID)
		i.setRoomStatus(roomID, models.ChannelBanned)
		i.logger.Warn("banned from room", "room_id", roomID)
	}
}

func (i *Integration) handleRoomState(ctx context.Context, evt *event.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := i.roomLocked(string(evt.RoomID))
	switch content := evt.Content.Parsed.(type) {
	case *event.RoomNameEventContent:
		st.name = content.Name
	case *event.TopicEventContent:
		st.topic = content.Topic
	case *event.CanonicalAliasEventContent:
		st.alias = string(content.Alias)
	case *event.EncryptionEventContent:
		st.encrypted = true
	case *event.PowerLevelsEventContent:
		st.powerLevels = make(map[string]int, len(content.Users))
		for user, level := range content.Users {
			st.powerLevels[string(user)] = level
		}
	}
}

// emit delivers an observation without blocking the sync loop. Messages
// are dropped when the buffer is full; the world catches up from the
// next sync batch.
func (i *Integration) emit(msg models.Message) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.eventsClosed {
		return
	}
	select {
	case i.events <- msg:
		if i.metrics != nil {
			i.metrics.MessageIngested(string(models.PlatformMatrix))
		}
	default:
		i.logger.Warn("event buffer full, dropping message", "message_id", msg.ID)
	}
}

func (i *Integration) uploadMedia(ctx context.Context, mediaURL string) (id.ContentURIString, error) {
	if strings.HasPrefix(mediaURL, "mxc://") {
		return id.ContentURIString(mediaURL), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", corviderr.ErrValidation("matrix: invalid media url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", corviderr.ErrConnection("matrix: fetch media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", corviderr.ErrConnection(fmt.Sprintf("matrix: media fetch returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return "", corviderr.ErrConnection("matrix: read media", err)
	}

	upload, err := i.client.UploadBytes(ctx, data, http.DetectContentType(data))
	if err != nil {
		return "", corviderr.ErrConnection("matrix: upload media", err)
	}
	return upload.ContentURI.CUString(), nil
}

func (i *Integration) roomLocked(roomID string) *roomState {
	st, ok := i.rooms[roomID]
	if !ok {
		st = &roomState{}
		i.rooms[roomID] = st
	}
	return st
}

func (i *Integration) setRoomStatus(roomID string, status models.ChannelStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.roomLocked(roomID).status = status
}

func (i *Integration) dropInvite(roomID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.invites, roomID)
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

// markdownToHTML converts the bold and code-fence subset the decision
// service actually produces. Unpaired markers are left alone.
func markdownToHTML(text string) string {
	out := replacePairs(text, "**", "<strong>", "</strong>")
	out = replacePairs(out, "```", "<pre><code>", "</code></pre>")
	return out
}

func replacePairs(text, marker, opening, closing string) string {
	parts := strings.Split(text, marker)
	if len(parts) < 3 {
		return text
	}

	var b strings.Builder
	for idx, part := range parts {
		if idx > 0 {
			// Trailing unpaired marker is emitted verbatim.
			if idx%2 == 1 && idx == len(parts)-1 {
				b.WriteString(marker)
			} else if idx%2 == 1 {
				b.WriteString(opening)
			} else {
				b.WriteString(closing)
			}
		}
		b.WriteString(part)
	}
	return b.String()
}
