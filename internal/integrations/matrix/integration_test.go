package matrix

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/corvid-labs/corvid/pkg/models"
)

const (
	testUserID = "@corvid:example.org"
	testRoomID = "!room:example.org"
)

func testConfig() Config {
	return Config{
		Homeserver:  "https://example.org",
		UserID:      testUserID,
		AccessToken: "syt_test",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testIntegration(t *testing.T) *Integration {
	t.Helper()
	i, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return i
}

func messageEvent(eventID, sender, body string) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		RoomID:    id.RoomID(testRoomID),
		Sender:    id.UserID(sender),
		Timestamp: time.Now().UnixMilli(),
		Type:      event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func memberEvent(membership event.Membership, sender, stateKey string) *event.Event {
	return &event.Event{
		ID:        id.EventID("$member"),
		RoomID:    id.RoomID(testRoomID),
		Sender:    id.UserID(sender),
		Timestamp: time.Now().UnixMilli(),
		Type:      event.StateMember,
		StateKey:  &stateKey,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership: membership,
		}},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantError bool
	}{
		{
			name:      "empty config",
			config:    Config{},
			wantError: true,
		},
		{
			name: "missing homeserver",
			config: Config{
				UserID:      testUserID,
				AccessToken: "tok",
			},
			wantError: true,
		},
		{
			name: "missing user_id",
			config: Config{
				Homeserver:  "https://example.org",
				AccessToken: "tok",
			},
			wantError: true,
		},
		{
			name: "missing access_token",
			config: Config{
				Homeserver: "https://example.org",
				UserID:     testUserID,
			},
			wantError: true,
		},
		{
			name: "encryption without device_id",
			config: Config{
				Homeserver:  "https://example.org",
				UserID:      testUserID,
				AccessToken: "tok",
				PickleKey:   "pickle",
			},
			wantError: true,
		},
		{
			name: "valid",
			config: Config{
				Homeserver:  "https://example.org",
				UserID:      testUserID,
				AccessToken: "tok",
			},
			wantError: false,
		},
		{
			name: "valid with encryption",
			config: Config{
				Homeserver:  "https://example.org",
				UserID:      testUserID,
				AccessToken: "tok",
				DeviceID:    "CORVID01",
				PickleKey:   "pickle",
			},
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError && err == nil {
				t.Error("expected error but got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{
		Homeserver:  "https://example.org",
		UserID:      testUserID,
		AccessToken: "tok",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.EventBuffer != 256 {
		t.Errorf("EventBuffer = %d, want 256", cfg.EventBuffer)
	}
	if cfg.SyncErrorBackoff != 5*time.Second {
		t.Errorf("SyncErrorBackoff = %v, want 5s", cfg.SyncErrorBackoff)
	}
	if cfg.CryptoStorePath == "" {
		t.Error("expected CryptoStorePath default")
	}
	if cfg.Logger == nil {
		t.Error("expected Logger default")
	}
}

func TestNewIntegration(t *testing.T) {
	i := testIntegration(t)

	if i.Platform() != models.PlatformMatrix {
		t.Errorf("Platform() = %v, want matrix", i.Platform())
	}
	if i.Events() == nil {
		t.Error("Events() returned nil channel")
	}

	st := i.Status()
	if st.State != "disconnected" {
		t.Errorf("State = %q, want disconnected", st.State)
	}
	if st.Platform != models.PlatformMatrix {
		t.Errorf("Status platform = %v, want matrix", st.Platform)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	i := testIntegration(t)
	if err := i.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
}

func TestHandleMessageEmits(t *testing.T) {
	i := testIntegration(t)

	evt := messageEvent("$e1", "@alice:example.org", "hello corvid")
	evt.Content.Parsed.(*event.MessageEventContent).RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: id.EventID("$root")},
	}
	i.handleMessage(context.Background(), evt)

	select {
	case msg := <-i.Events():
		if msg.ID != "$e1" {
			t.Errorf("ID = %q, want $e1", msg.ID)
		}
		if msg.ChannelID != testRoomID {
			t.Errorf("ChannelID = %q, want %q", msg.ChannelID, testRoomID)
		}
		if msg.Platform != models.PlatformMatrix {
			t.Errorf("Platform = %v, want matrix", msg.Platform)
		}
		if msg.SenderID != "@alice:example.org" {
			t.Errorf("SenderID = %q", msg.SenderID)
		}
		if msg.Content != "hello corvid" {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.ReplyTo != "$root" {
			t.Errorf("ReplyTo = %q, want $root", msg.ReplyTo)
		}
		if msg.FromSelf {
			t.Error("FromSelf = true for another sender")
		}
	default:
		t.Fatal("expected a message on the event feed")
	}
}

func TestHandleMessageMarksOwnMessages(t *testing.T) {
	i := testIntegration(t)

	i.handleMessage(context.Background(), messageEvent("$own", testUserID, "it is I"))

	msg := <-i.Events()
	if !msg.FromSelf {
		t.Error("expected FromSelf for own message")
	}
}

func TestHandleMessageIgnoresUnsupportedTypes(t *testing.T) {
	i := testIntegration(t)

	evt := messageEvent("$vid", "@alice:example.org", "clip")
	evt.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgVideo
	i.handleMessage(context.Background(), evt)

	select {
	case msg := <-i.Events():
		t.Fatalf("unexpected message %q for msgtype video", msg.ID)
	default:
	}
}

func TestInviteTracking(t *testing.T) {
	i := testIntegration(t)
	ctx := context.Background()

	i.handleMemberEvent(ctx, memberEvent(event.MembershipInvite, "@alice:example.org", testUserID))
	i.handleMemberEvent(ctx, memberEvent(event.MembershipInvite, "@alice:example.org", testUserID))

	invites, err := i.Invites(ctx)
	if err != nil {
		t.Fatalf("Invites() error = %v", err)
	}
	if len(invites) != 1 {
		t.Fatalf("got %d invites, want 1", len(invites))
	}
	if invites[0].ChannelID != testRoomID {
		t.Errorf("ChannelID = %q", invites[0].ChannelID)
	}
	if invites[0].Inviter != "@alice:example.org" {
		t.Errorf("Inviter = %q", invites[0].Inviter)
	}
	if invites[0].Platform != models.PlatformMatrix {
		t.Errorf("Platform = %v", invites[0].Platform)
	}

	ch, err := i.ResolveChannel(ctx, testRoomID)
	if err != nil {
		t.Fatalf("ResolveChannel() error = %v", err)
	}
	if ch.Status != models.ChannelInvited {
		t.Errorf("Status = %q, want invited", ch.Status)
	}
}

func TestInviteForOtherUserIgnored(t *testing.T) {
	i := testIntegration(t)
	ctx := context.Background()

	i.handleMemberEvent(ctx, memberEvent(event.MembershipInvite, "@alice:example.org", "@someone:example.org"))

	invites, _ := i.Invites(ctx)
	if len(invites) != 0 {
		t.Fatalf("got %d invites, want 0", len(invites))
	}
}

func TestMembershipTransitions(t *testing.T) {
	i := testIntegration(t)
	ctx := context.Background()

	i.handleMemberEvent(ctx, memberEvent(event.MembershipInvite, "@alice:example.org", testUserID))
	i.handleMemberEvent(ctx, memberEvent(event.MembershipJoin, testUserID, testUserID))

	if invites, _ := i.Invites(ctx); len(invites) != 0 {
		t.Fatalf("invite not cleared on join")
	}
	ch, _ := i.ResolveChannel(ctx, testRoomID)
	if ch.Status != models.ChannelJoined {
		t.Errorf("Status = %q, want joined", ch.Status)
	}

	i.handleMemberEvent(ctx, memberEvent(event.MembershipBan, "@mod:example.org", testUserID))
	ch, _ = i.ResolveChannel(ctx, testRoomID)
	if ch.Status != models.ChannelBanned {
		t.Errorf("Status = %q, want banned", ch.Status)
	}
}

func TestRoomStateAccumulates(t *testing.T) {
	i := testIntegration(t)
	ctx := context.Background()

	state := func(typ event.Type, parsed any) *event.Event {
		return &event.Event{
			RoomID:  id.RoomID(testRoomID),
			Type:    typ,
			Content: event.Content{Parsed: parsed},
		}
	}

	i.handleRoomState(ctx, state(event.StateRoomName, &event.RoomNameEventContent{Name: "Gardening"}))
	i.handleRoomState(ctx, state(event.StateTopic, &event.TopicEventContent{Topic: "seeds and soil"}))
	i.handleRoomState(ctx, state(event.StateEncryption, &event.EncryptionEventContent{}))
	i.handleRoomState(ctx, state(event.StatePowerLevels, &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{"@alice:example.org": 100},
	}))

	ch, err := i.ResolveChannel(ctx, testRoomID)
	if err != nil {
		t.Fatalf("ResolveChannel() error = %v", err)
	}
	if ch.Name != "Gardening" {
		t.Errorf("Name = %q", ch.Name)
	}
	if ch.Topic != "seeds and soil" {
		t.Errorf("Topic = %q", ch.Topic)
	}
	if !ch.Encrypted {
		t.Error("expected Encrypted")
	}
	if ch.PowerLevels["@alice:example.org"] != 100 {
		t.Errorf("PowerLevels = %v", ch.PowerLevels)
	}

	if _, err := i.ResolveChannel(ctx, "!unknown:example.org"); err == nil {
		t.Error("expected error for unknown room")
	}
}

func TestUndecryptableEmitsPlaceholder(t *testing.T) {
	i := testIntegration(t)
	ctx := context.Background()

	evt := &event.Event{
		ID:        id.EventID("$enc1"),
		RoomID:    id.RoomID(testRoomID),
		Sender:    id.UserID("@alice:example.org"),
		Timestamp: time.Now().UnixMilli(),
		Type:      event.EventEncrypted,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			SessionID: id.SessionID("sess1"),
			SenderKey: id.SenderKey("curve25519key"),
		}},
	}
	i.handleEncrypted(ctx, evt)

	msg := <-i.Events()
	if msg.ID != "$enc1" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.Content != undecryptableBody {
		t.Errorf("Content = %q, want placeholder", msg.Content)
	}
	if v, _ := msg.Metadata["undecryptable"].(bool); !v {
		t.Error("expected undecryptable metadata")
	}

	// The decrypted re-dispatch arrives with the same event ID.
	i.handleMessage(ctx, messageEvent("$enc1", "@alice:example.org", "secret plans"))
	decrypted := <-i.Events()
	if decrypted.Content != "secret plans" {
		t.Errorf("Content = %q", decrypted.Content)
	}
	if v, _ := decrypted.Metadata["late_decrypt"].(bool); !v {
		t.Error("expected late_decrypt metadata")
	}

	// Session resolved: nothing left pending for the room.
	if len(i.sessions) != 0 {
		t.Errorf("sessions = %v, want empty", i.sessions)
	}
}

func TestTrackSessionDedupAndCap(t *testing.T) {
	i := testIntegration(t)

	i.trackSession(testRoomID, "$a", "s1", "k1")
	i.trackSession(testRoomID, "$a", "s1", "k1")
	if len(i.sessions[testRoomID]) != 1 {
		t.Fatalf("got %d sessions, want 1", len(i.sessions[testRoomID]))
	}

	for n := 0; n < maxPendingSessions+10; n++ {
		i.trackSession(testRoomID, "$x"+string(rune('a'+n%26))+string(rune('a'+n/26)), "s", "k")
	}
	if len(i.sessions[testRoomID]) > maxPendingSessions {
		t.Errorf("sessions = %d, want at most %d", len(i.sessions[testRoomID]), maxPendingSessions)
	}

	if !i.resolveSession(testRoomID, i.sessions[testRoomID][0].eventID) {
		t.Error("resolveSession failed for tracked event")
	}
	if i.resolveSession(testRoomID, "$missing") {
		t.Error("resolveSession succeeded for unknown event")
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	i, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	i.emit(models.Message{ID: "1"})
	i.emit(models.Message{ID: "2"})

	if got := <-i.Events(); got.ID != "1" {
		t.Errorf("first message ID = %q", got.ID)
	}
	select {
	case msg := <-i.Events():
		t.Fatalf("unexpected second message %q", msg.ID)
	default:
	}
}

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text",
			input:    "Hello World",
			expected: "Hello World",
		},
		{
			name:     "bold pair",
			input:    "**bold** move",
			expected: "<strong>bold</strong> move",
		},
		{
			name:     "code fence",
			input:    "```go fmt```",
			expected: "<pre><code>go fmt</code></pre>",
		},
		{
			name:     "unpaired marker untouched",
			input:    "2 ** 8",
			expected: "2 ** 8",
		},
		{
			name:     "trailing odd marker kept",
			input:    "**a** and **b",
			expected: "<strong>a</strong> and **b",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToHTML(tt.input); got != tt.expected {
				t.Errorf("markdownToHTML(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
