package matrix

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	sqlite "modernc.org/sqlite"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// undecryptableBody is the placeholder content for events the client
// cannot decrypt yet. The world replaces it if the event decrypts later.
const undecryptableBody = "[message could not be decrypted]"

// maxPendingSessions caps the per-room backlog of sessions awaiting keys.
const maxPendingSessions = 64

// The crypto store opens its database under the mattn driver name.
// Alias the pure-Go driver so encryption works without cgo.
func init() {
	for _, name := range sql.Drivers() {
		if name == "sqlite3" {
			return
		}
	}
	sql.Register("sqlite3", &sqlite.Driver{})
}

// megolmSession identifies one inbound session a key request can target.
type megolmSession struct {
	eventID   string
	sessionID id.SessionID
	senderKey id.SenderKey
}

func (i *Integration) enableEncryption(ctx context.Context) error {
	helper, err := cryptohelper.NewCryptoHelper(i.client, []byte(i.cfg.PickleKey), i.cfg.CryptoStorePath)
	if err != nil {
		return corviderr.ErrEncryption("matrix: create crypto helper", err)
	}
	if err := helper.Init(ctx); err != nil {
		return corviderr.ErrEncryption("matrix: init crypto store", err)
	}

	i.client.Crypto = helper
	i.crypto = helper
	i.logger.Info("end-to-end encryption enabled", "store", i.cfg.CryptoStorePath)
	return nil
}

// handleEncrypted fires for every encrypted event, decryptable or not.
// It emits a placeholder observation and remembers the session; when the
// decrypted event is dispatched moments later, handleMessage resolves
// the session and the placeholder is replaced downstream.
func (i *Integration) handleEncrypted(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return
	}

	roomID := string(evt.RoomID)
	i.trackSession(roomID, string(evt.ID), content.SessionID, content.SenderKey)

	i.emit(models.Message{
		ID:        string(evt.ID),
		ChannelID: roomID,
		Platform:  models.PlatformMatrix,
		SenderID:  string(evt.Sender),
		Content:   undecryptableBody,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Metadata:  map[string]any{"undecryptable": true},
	})
	i.logger.Debug("undecryptable event",
		"room_id", roomID,
		"event_id", evt.ID,
		"session_id", content.SessionID)
}

// RequestRoomKeys broadcasts an m.room_key_request to every member of
// the room for each session still awaiting keys.
func (i *Integration) RequestRoomKeys(ctx context.Context, roomID string) error {
	i.mu.RLock()
	pending := make([]megolmSession, len(i.sessions[roomID]))
	copy(pending, i.sessions[roomID])
	i.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	members, err := i.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return corviderr.ErrConnection("matrix: list members of "+roomID, err)
	}

	requested := make(map[id.SessionID]bool)
	for _, sess := range pending {
		if sess.sessionID == "" || requested[sess.sessionID] {
			continue
		}
		requested[sess.sessionID] = true

		content := &event.Content{Parsed: &event.RoomKeyRequestEventContent{
			Action: event.KeyRequestActionRequest,
			Body: event.RequestedKeyInfo{
				Algorithm: id.AlgorithmMegolmV1,
				RoomID:    id.RoomID(roomID),
				SenderKey: sess.senderKey,
				SessionID: sess.sessionID,
			},
			RequestID:          uuid.NewString(),
			RequestingDeviceID: i.client.DeviceID,
		}}

		req := &mautrix.ReqSendToDevice{
			Messages: make(map[id.UserID]map[id.DeviceID]*event.Content, len(members.Joined)),
		}
		for userID := range members.Joined {
			req.Messages[userID] = map[id.DeviceID]*event.Content{"*": content}
		}

		if _, err := i.client.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, req); err != nil {
			return corviderr.ErrEncryption("matrix: broadcast key request for "+roomID, err)
		}
	}

	i.logger.Info("room key request broadcast",
		"room_id", roomID,
		"sessions", len(requested),
		"members", len(members.Joined))
	return nil
}

func (i *Integration) trackSession(roomID, eventID string, sessionID id.SessionID, senderKey id.SenderKey) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.sessions[roomID]
	for _, s := range list {
		if s.eventID == eventID {
			return
		}
	}
	if len(list) >= maxPendingSessions {
		list = list[1:]
	}
	i.sessions[roomID] = append(list, megolmSession{
		eventID:   eventID,
		sessionID: sessionID,
		senderKey: senderKey,
	})
}

// resolveSession reports whether the event was pending decryption and
// clears it.
func (i *Integration) resolveSession(roomID, eventID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.sessions[roomID]
	for idx, s := range list {
		if s.eventID == eventID {
			i.sessions[roomID] = append(list[:idx], list[idx+1:]...)
			if len(i.sessions[roomID]) == 0 {
				delete(i.sessions, roomID)
			}
			return true
		}
	}
	return false
}
