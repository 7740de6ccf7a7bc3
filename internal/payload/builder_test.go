package payload

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() Identity {
	return Identity{
		MatrixUserID:      "@corvid:example.org",
		FarcasterFID:      "3621",
		FarcasterUsername: "corvid",
	}
}

func testBuilder(t *testing.T, config Config) (*Builder, *worldstate.Store, *nodes.Manager) {
	t.Helper()
	world := worldstate.NewStore(worldstate.Config{})
	nodeMgr := nodes.NewManager(nodes.ManagerConfig{MaxExpanded: 10}, testLogger(), nil)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	return NewBuilder(config, world, nodeMgr, limiter, testLogger(), nil), world, nodeMgr
}

func chatMsg(id, channel, sender, content string, at time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		ChannelID: channel,
		Platform:  models.PlatformMatrix,
		SenderID:  sender,
		Content:   content,
		Timestamp: at,
	}
}

func selfMsg(id, channel, content string, at time.Time) *models.Message {
	msg := chatMsg(id, channel, "@corvid:example.org", content, at)
	msg.FromSelf = true
	return msg
}

func TestTraditionalDetailFollowsFocus(t *testing.T) {
	b, world, _ := testBuilder(t, Config{})
	now := time.Now()

	world.AddMessage(chatMsg("$1", "!go:example.org", "@amy:example.org", "release is out", now.Add(-2*time.Minute)))
	world.AddMessage(selfMsg("$2", "!go:example.org", "nice, reading the notes", now.Add(-time.Minute)))
	world.AddMessage(chatMsg("$3", "!rust:example.org", "@bob:example.org", "borrow checker question", now.Add(-30*time.Second)))

	p, err := b.Build(BuildRequest{
		CycleID:        "cycle-1",
		Mode:           ModeTraditional,
		FocusPlatform:  models.PlatformMatrix,
		FocusChannelID: "!go:example.org",
		Identity:       testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if p.CurrentChannelID != "!go:example.org" {
		t.Fatalf("current_channel_id = %q", p.CurrentChannelID)
	}

	focus := p.Channels["matrix:!go:example.org"]
	if focus == nil || !focus.Detail {
		t.Fatalf("focus channel not detailed: %+v", focus)
	}
	if len(focus.RecentMessages) != 2 {
		t.Fatalf("focus messages = %d, want 2", len(focus.RecentMessages))
	}
	// The agent's own message stays in detail; it is conversational
	// context for the next turn.
	if !focus.RecentMessages[1].FromSelf {
		t.Fatal("own message missing from detail view")
	}

	other := p.Channels["matrix:!rust:example.org"]
	if other == nil || other.Detail {
		t.Fatalf("non-focus channel not summary-only: %+v", other)
	}
	if len(other.RecentMessages) != 0 {
		t.Fatal("summary-only channel carries messages")
	}
	if other.Activity == nil || other.Activity.MessagesLastHour != 1 {
		t.Fatalf("summary-only activity = %+v", other.Activity)
	}

	if p.Stats.Channels != 2 || p.Stats.Messages != 2 {
		t.Fatalf("stats = %+v", p.Stats)
	}
	if p.Stats.Bytes == 0 {
		t.Fatal("stats bytes not measured")
	}
	if p.SystemStatus == nil || p.SystemStatus.CycleID != "cycle-1" {
		t.Fatalf("system status = %+v", p.SystemStatus)
	}
}

func TestTraditionalIncludesThreadForTrigger(t *testing.T) {
	b, world, _ := testBuilder(t, Config{})
	now := time.Now()

	root := chatMsg("$root", "!go:example.org", "@amy:example.org", "anyone tried 1.24?", now.Add(-10*time.Minute))
	reply := chatMsg("$reply", "!go:example.org", "@bob:example.org", "yes, works fine", now.Add(-5*time.Minute))
	reply.ReplyTo = "$root"
	world.AddMessage(root)
	world.AddMessage(reply)

	p, err := b.Build(BuildRequest{
		Mode:             ModeTraditional,
		FocusPlatform:    models.PlatformMatrix,
		FocusChannelID:   "!go:example.org",
		TriggerMessageID: "$reply",
		Identity:         testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(p.Threads))
	}
	if p.Threads[0].RootID != "$root" || len(p.Threads[0].Messages) != 2 {
		t.Fatalf("thread = %+v", p.Threads[0])
	}
}

func TestActionHistoryFiltersSelfSenders(t *testing.T) {
	b, world, _ := testBuilder(t, Config{ActionHistory: 10})

	world.AddActionResult(&models.ActionRecord{
		ActionKind: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!go:example.org"},
		Success:    true,
	})
	// Records that merely observe the agent's own traffic are noise.
	world.AddActionResult(&models.ActionRecord{
		ActionKind: "observe_message",
		Parameters: map[string]any{"sender": "@corvid:example.org"},
		Success:    true,
	})

	p, err := b.Build(BuildRequest{
		Mode:           ModeTraditional,
		FocusPlatform:  models.PlatformMatrix,
		FocusChannelID: "!go:example.org",
		Identity:       testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.ActionHistory) != 1 {
		t.Fatalf("action history = %d entries, want 1", len(p.ActionHistory))
	}
	if p.ActionHistory[0].Kind != "send_chat_message" {
		t.Fatalf("kept entry = %+v", p.ActionHistory[0])
	}
}

func TestRecentMediaWindow(t *testing.T) {
	b, world, _ := testBuilder(t, Config{MediaWindow: time.Hour})
	now := time.Now()

	world.RegisterGeneratedMedia(&models.GeneratedMediaRef{
		MediaID: "m-old", URL: "https://gen.example/old", CreatedAt: now.Add(-2 * time.Hour),
	})
	world.RegisterGeneratedMedia(&models.GeneratedMediaRef{
		MediaID: "m-new", URL: "https://gen.example/new", CreatedAt: now.Add(-10 * time.Minute),
	})

	p, err := b.Build(BuildRequest{
		Mode:          ModeTraditional,
		FocusPlatform: models.PlatformMatrix,
		Identity:      testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.RecentMedia) != 1 || p.RecentMedia[0].MediaID != "m-new" {
		t.Fatalf("recent media = %+v", p.RecentMedia)
	}
}

func TestNodeBasedPayloadShape(t *testing.T) {
	b, world, nodeMgr := testBuilder(t, Config{})
	now := time.Now()

	world.AddMessage(chatMsg("$1", "!go:example.org", "@amy:example.org", "ship it", now))
	channelPath := nodes.ChannelPath(models.PlatformMatrix, "!go:example.org")
	nodeMgr.Expand(channelPath)
	nodeMgr.UpdateSummary(nodes.PathActionHistory, "no actions yet", "stale-fingerprint")

	p, err := b.Build(BuildRequest{
		CycleID:        "cycle-2",
		Mode:           ModeNodeBased,
		FocusPlatform:  models.PlatformMatrix,
		FocusChannelID: "!go:example.org",
		Identity:       testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, ok := p.ExpandedNodes[channelPath]
	if !ok {
		t.Fatalf("expanded nodes missing %s: %v", channelPath, p.ExpandedNodes)
	}
	view, ok := data.(*ChannelView)
	if !ok || len(view.RecentMessages) != 1 {
		t.Fatalf("expanded channel data = %#v", data)
	}

	if _, ok := p.CollapsedNodeSummaries[nodes.PathRateLimits]; !ok {
		t.Fatal("collapsed summaries missing system.rate_limits")
	}
	summary := p.CollapsedNodeSummaries[nodes.PathActionHistory]
	if summary == nil || summary.Summary != "no actions yet" {
		t.Fatalf("action history summary = %+v", summary)
	}
	if !summary.DataChanged {
		t.Fatal("stale fingerprint should read as changed")
	}

	if p.ExpansionStatus == nil || p.ExpansionStatus.Capacity != 10 {
		t.Fatalf("expansion status = %+v", p.ExpansionStatus)
	}
	if p.Channels != nil {
		t.Fatal("node-based payload carries traditional channel map")
	}
}

func TestNodeDataResolvesSystemPaths(t *testing.T) {
	b, world, _ := testBuilder(t, Config{})

	world.AddPendingInvite(&models.PendingInvite{
		ChannelID: "!new:example.org",
		Platform:  models.PlatformMatrix,
		Inviter:   "@amy:example.org",
		InvitedAt: time.Now(),
	})
	world.UpsertUser(&models.User{ID: "42", Platform: models.PlatformFarcaster, Handle: "amy"})

	data, ok := b.NodeData(nodes.PathNotifications, testIdentity())
	if !ok {
		t.Fatal("notifications node unresolved")
	}
	body, ok := data.(map[string]any)
	if !ok {
		t.Fatalf("notifications data = %#v", data)
	}
	invites, ok := body["pending_invites"].([]InviteView)
	if !ok || len(invites) != 1 {
		t.Fatalf("pending invites = %#v", body["pending_invites"])
	}

	userData, ok := b.NodeData(nodes.UserPath(models.PlatformFarcaster, "42"), testIdentity())
	if !ok {
		t.Fatal("user node unresolved")
	}
	if uv, ok := userData.(*UserView); !ok || uv.Handle != "amy" {
		t.Fatalf("user data = %#v", userData)
	}

	if _, ok := b.NodeData("channels.matrix.!missing:example.org", testIdentity()); ok {
		t.Fatal("unknown channel resolved")
	}
}

func TestPayloadEncodesCleanly(t *testing.T) {
	b, world, _ := testBuilder(t, Config{})
	world.AddMessage(chatMsg("$1", "!go:example.org", "@amy:example.org", "hello", time.Now()))

	p, err := b.Build(BuildRequest{
		Mode:           ModeTraditional,
		FocusPlatform:  models.PlatformMatrix,
		FocusChannelID: "!go:example.org",
		Identity:       testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded["mode"] != "traditional" {
		t.Fatalf("mode = %v", decoded["mode"])
	}
	if _, ok := decoded["payload_stats"]; !ok {
		t.Fatal("payload_stats missing")
	}
	if _, ok := decoded["system_status"]; !ok {
		t.Fatal("system_status missing")
	}
}
