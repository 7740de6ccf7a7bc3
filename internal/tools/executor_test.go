package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testLogger())
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func testContext(world *worldstate.Store, source IntegrationSource, media MediaService) *ActionContext {
	return &ActionContext{
		World:        world,
		Integrations: source,
		Media:        media,
		Identity: payload.Identity{
			MatrixUserID:      "@corvid:example.org",
			FarcasterFID:      "777",
			FarcasterUsername: "corvid",
		},
		CurrentChannelID: "!focus:example.org",
		CurrentPlatform:  models.PlatformMatrix,
	}
}

type fakeSend struct {
	channelID string
	replyTo   string
	content   string
	opts      integrations.SendOptions
}

// fakeIntegration implements Integration plus every capability, recording
// calls for assertions.
type fakeIntegration struct {
	platform models.Platform
	sendErr  error

	sends    []fakeSend
	replies  []fakeSend
	reacts   []string
	follows  []string
	joins    []string
	leaves   []string
	accepts  []string
	declines []string

	profile *models.User
	search  []*models.Message

	seq int
}

func (f *fakeIntegration) Platform() models.Platform        { return f.platform }
func (f *fakeIntegration) Connect(context.Context) error    { return nil }
func (f *fakeIntegration) Disconnect(context.Context) error { return nil }

func (f *fakeIntegration) TestConnection(context.Context) integrations.ConnectionTestResult {
	return integrations.ConnectionTestResult{OK: true}
}

func (f *fakeIntegration) Status() integrations.Status {
	return integrations.Status{Platform: f.platform, State: integrations.StateConnected}
}

func (f *fakeIntegration) SendMessage(_ context.Context, channelID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	f.sends = append(f.sends, fakeSend{channelID: channelID, content: content, opts: opts})
	return &integrations.SendResult{MessageID: fmt.Sprintf("sent-%d", f.seq), Timestamp: time.Now()}, nil
}

func (f *fakeIntegration) ReplyToMessage(_ context.Context, channelID, replyToID, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	f.replies = append(f.replies, fakeSend{channelID: channelID, replyTo: replyToID, content: content, opts: opts})
	return &integrations.SendResult{MessageID: fmt.Sprintf("sent-%d", f.seq), Timestamp: time.Now()}, nil
}

func (f *fakeIntegration) Events() <-chan models.Message { return nil }

func (f *fakeIntegration) React(_ context.Context, _, messageID, reaction string) error {
	f.reacts = append(f.reacts, messageID+":"+reaction)
	return nil
}

func (f *fakeIntegration) Follow(_ context.Context, userID string) error {
	f.follows = append(f.follows, userID)
	return nil
}

func (f *fakeIntegration) JoinRoom(_ context.Context, roomID string) error {
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeIntegration) LeaveRoom(_ context.Context, roomID string) error {
	f.leaves = append(f.leaves, roomID)
	return nil
}

func (f *fakeIntegration) AcceptInvite(_ context.Context, roomID string) error {
	f.accepts = append(f.accepts, roomID)
	return nil
}

func (f *fakeIntegration) DeclineInvite(_ context.Context, roomID string) error {
	f.declines = append(f.declines, roomID)
	return nil
}

func (f *fakeIntegration) Invites(context.Context) ([]models.PendingInvite, error) {
	return nil, nil
}

func (f *fakeIntegration) GetProfile(_ context.Context, userID string) (*models.User, error) {
	if f.profile == nil {
		return nil, errors.New("no such user")
	}
	return f.profile, nil
}

func (f *fakeIntegration) SearchPosts(_ context.Context, query string, limit int) ([]*models.Message, error) {
	if limit < len(f.search) {
		return f.search[:limit], nil
	}
	return f.search, nil
}

// bareIntegration has no optional capabilities.
type bareIntegration struct {
	platform models.Platform
}

func (b *bareIntegration) Platform() models.Platform        { return b.platform }
func (b *bareIntegration) Connect(context.Context) error    { return nil }
func (b *bareIntegration) Disconnect(context.Context) error { return nil }

func (b *bareIntegration) TestConnection(context.Context) integrations.ConnectionTestResult {
	return integrations.ConnectionTestResult{OK: true}
}

func (b *bareIntegration) Status() integrations.Status {
	return integrations.Status{Platform: b.platform, State: integrations.StateConnected}
}

func (b *bareIntegration) SendMessage(context.Context, string, string, integrations.SendOptions) (*integrations.SendResult, error) {
	return &integrations.SendResult{MessageID: "bare-1"}, nil
}

func (b *bareIntegration) ReplyToMessage(context.Context, string, string, string, integrations.SendOptions) (*integrations.SendResult, error) {
	return &integrations.SendResult{MessageID: "bare-2"}, nil
}

func (b *bareIntegration) Events() <-chan models.Message { return nil }

type fakeSource map[models.Platform]integrations.Integration

func (s fakeSource) Get(p models.Platform) (integrations.Integration, bool) {
	integ, ok := s[p]
	return integ, ok
}

type fakeMedia struct {
	ref         *models.GeneratedMediaRef
	genErr      error
	description string
	prompts     []string
}

func (m *fakeMedia) Generate(_ context.Context, prompt, aspectRatio string) (*models.GeneratedMediaRef, error) {
	m.prompts = append(m.prompts, prompt)
	if m.genErr != nil {
		return nil, m.genErr
	}
	return m.ref, nil
}

func (m *fakeMedia) Describe(context.Context, string) (string, error) {
	return m.description, nil
}

func resultError(rec *models.ActionRecord) string {
	msg, _ := rec.Result["error"].(string)
	return msg
}

func TestExecuteOneSuccess(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	matrix := &fakeIntegration{platform: models.PlatformMatrix}
	actx := testContext(world, fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!room:example.org", "content": "hello"},
		Reasoning:  "greeting",
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)

	if !rec.Success {
		t.Fatalf("expected success, got %v", rec.Result)
	}
	if rec.ActionKind != "send_chat_message" || rec.ChannelID != "!room:example.org" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Platform != models.PlatformMatrix {
		t.Errorf("platform = %s", rec.Platform)
	}
	if rec.Reasoning != "greeting" {
		t.Errorf("reasoning = %q", rec.Reasoning)
	}
	if len(matrix.sends) != 1 || matrix.sends[0].content != "hello" {
		t.Fatalf("sends = %+v", matrix.sends)
	}

	last := world.LastAction()
	if last == nil || last.ActionKind != "send_chat_message" {
		t.Fatalf("last action = %+v", last)
	}

	ch, ok := world.Channel(models.PlatformMatrix, "!room:example.org")
	if !ok {
		t.Fatal("channel not created")
	}
	var self *models.Message
	for _, m := range ch.RecentMessages {
		if m.FromSelf {
			self = m
		}
	}
	if self == nil {
		t.Fatal("own message not injected into recent_messages")
	}
	if self.Content != "hello" || self.SenderID != "@corvid:example.org" {
		t.Errorf("injected message = %+v", self)
	}
}

func TestExecuteOneActionLimitBlocks(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		ActionLimits: map[string]int{"send_chat_message": 0},
	})
	world := worldstate.NewStore(worldstate.Config{})
	matrix := &fakeIntegration{platform: models.PlatformMatrix}
	actx := testContext(world, fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), limiter, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!r:x", "content": "hi"},
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)

	if rec.Success {
		t.Fatal("expected rate-limited failure")
	}
	if msg := resultError(rec); !strings.Contains(msg, "rate_limited") {
		t.Errorf("error = %q", msg)
	}
	if len(matrix.sends) != 0 {
		t.Fatal("tool must not run when blocked")
	}
	if last := world.LastAction(); last == nil || last.Success {
		t.Fatalf("blocked attempt must still be recorded, got %+v", last)
	}
}

func TestExecuteOneChannelLimitBlocks(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		ChannelLimits: map[string]int{"matrix": 1},
	})
	world := worldstate.NewStore(worldstate.Config{})
	matrix := &fakeIntegration{platform: models.PlatformMatrix}
	actx := testContext(world, fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), limiter, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!r:x", "content": "hi"},
	}
	if rec := exec.ExecuteOne(context.Background(), plan, actx); !rec.Success {
		t.Fatalf("first send should pass: %v", rec.Result)
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)
	if rec.Success {
		t.Fatal("second send should be channel-limited")
	}
	if msg := resultError(rec); !strings.Contains(msg, "rate_limited") {
		t.Errorf("error = %q", msg)
	}
	if len(matrix.sends) != 1 {
		t.Fatalf("sends = %d", len(matrix.sends))
	}
}

func TestExecuteOneUnknownAction(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	actx := testContext(world, fakeSource{}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	rec := exec.ExecuteOne(context.Background(), models.ActionPlan{ActionType: "summon_demon"}, actx)
	if rec.Success {
		t.Fatal("expected failure")
	}
	if msg := resultError(rec); !strings.Contains(msg, "unknown_action") {
		t.Errorf("error = %q", msg)
	}
	if last := world.LastAction(); last == nil || last.ActionKind != "summon_demon" {
		t.Fatalf("unknown action must be recorded, got %+v", last)
	}
}

func TestExecuteOneValidationFailure(t *testing.T) {
	matrix := &fakeIntegration{platform: models.PlatformMatrix}
	actx := testContext(worldstate.NewStore(worldstate.Config{}), fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!r:x"}, // content missing
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)
	if rec.Success {
		t.Fatal("expected validation failure")
	}
	if msg := resultError(rec); !strings.Contains(msg, "invalid parameters") {
		t.Errorf("error = %q", msg)
	}
	if len(matrix.sends) != 0 {
		t.Fatal("tool must not run on invalid parameters")
	}
}

func TestExecuteOneSendFailure(t *testing.T) {
	matrix := &fakeIntegration{platform: models.PlatformMatrix, sendErr: errors.New("M_FORBIDDEN")}
	world := worldstate.NewStore(worldstate.Config{})
	actx := testContext(world, fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "send_chat_message",
		Parameters: map[string]any{"channel_id": "!r:x", "content": "hi"},
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)
	if rec.Success {
		t.Fatal("expected failure")
	}
	if msg := resultError(rec); !strings.Contains(msg, "M_FORBIDDEN") {
		t.Errorf("error = %q", msg)
	}
	if last := world.LastAction(); last == nil || last.Success {
		t.Fatalf("failure must update last action, got %+v", last)
	}
}

func TestExecuteAllAttachesGeneratedMedia(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	fc := &fakeIntegration{platform: models.PlatformFarcaster}
	media := &fakeMedia{ref: &models.GeneratedMediaRef{MediaID: "m1", URL: "https://gen.example/x.png"}}
	actx := testContext(world, fakeSource{models.PlatformFarcaster: fc}, media)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plans := []models.ActionPlan{
		{ActionType: "generate_image", Parameters: map[string]any{"prompt": "a sunset"}},
		{ActionType: "send_social_post", Parameters: map[string]any{"text": "look!"}},
	}
	records := exec.ExecuteAll(context.Background(), plans, actx)

	if len(records) != 2 || !records[0].Success || !records[1].Success {
		t.Fatalf("records = %+v", records)
	}
	if got, _ := records[1].Parameters["media_id"].(string); got != "m1" {
		t.Errorf("injected media_id = %q", got)
	}
	if len(fc.sends) != 1 {
		t.Fatalf("sends = %d", len(fc.sends))
	}
	opts := fc.sends[0].opts
	if opts.MediaID != "m1" {
		t.Errorf("opts.MediaID = %q", opts.MediaID)
	}
	if len(opts.MediaURLs) != 1 || opts.MediaURLs[0] != "https://gen.example/x.png" {
		t.Errorf("opts.MediaURLs = %v", opts.MediaURLs)
	}
}

func TestExecuteAllKeepsExplicitMedia(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	fc := &fakeIntegration{platform: models.PlatformFarcaster}
	media := &fakeMedia{ref: &models.GeneratedMediaRef{MediaID: "m1", URL: "https://gen.example/x.png"}}
	actx := testContext(world, fakeSource{models.PlatformFarcaster: fc}, media)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plans := []models.ActionPlan{
		{ActionType: "generate_image", Parameters: map[string]any{"prompt": "a sunset"}},
		{ActionType: "send_social_post", Parameters: map[string]any{
			"text":      "my own pic",
			"media_url": "https://mine.example/pic.png",
		}},
	}
	records := exec.ExecuteAll(context.Background(), plans, actx)

	if _, ok := records[1].Parameters["media_id"]; ok {
		t.Error("explicit media must not be overridden")
	}
	opts := fc.sends[0].opts
	if len(opts.MediaURLs) != 1 || opts.MediaURLs[0] != "https://mine.example/pic.png" {
		t.Errorf("opts.MediaURLs = %v", opts.MediaURLs)
	}
}

func TestExecuteAllMediaFailureDoesNotAbortFollowUps(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	fc := &fakeIntegration{platform: models.PlatformFarcaster}
	media := &fakeMedia{genErr: errors.New("model overloaded")}
	actx := testContext(world, fakeSource{models.PlatformFarcaster: fc}, media)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plans := []models.ActionPlan{
		{ActionType: "generate_image", Parameters: map[string]any{"prompt": "a sunset"}},
		{ActionType: "send_social_post", Parameters: map[string]any{"text": "no pic today"}},
	}
	records := exec.ExecuteAll(context.Background(), plans, actx)

	if records[0].Success {
		t.Fatal("generation should fail")
	}
	if !records[1].Success {
		t.Fatalf("follow-up should still run: %v", records[1].Result)
	}
	if fc.sends[0].opts.MediaID != "" || len(fc.sends[0].opts.MediaURLs) != 0 {
		t.Errorf("no media should be attached, got %+v", fc.sends[0].opts)
	}
}

func TestExecuteOneRefusesDuplicateReply(t *testing.T) {
	world := worldstate.NewStore(worldstate.Config{})
	world.AddActionResult(&models.ActionRecord{
		ActionKind: "reply_to_chat_message",
		Parameters: map[string]any{"reply_to_id": "$e1"},
		Success:    true,
	})
	matrix := &fakeIntegration{platform: models.PlatformMatrix}
	actx := testContext(world, fakeSource{models.PlatformMatrix: matrix}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	plan := models.ActionPlan{
		ActionType: "reply_to_chat_message",
		Parameters: map[string]any{"channel_id": "!r:x", "reply_to_id": "$e1", "content": "again"},
	}
	rec := exec.ExecuteOne(context.Background(), plan, actx)

	if rec.Success {
		t.Fatal("duplicate reply must fail")
	}
	if msg := resultError(rec); !strings.Contains(msg, "already replied") {
		t.Errorf("error = %q", msg)
	}
	if len(matrix.replies) != 0 {
		t.Fatal("no reply should be sent")
	}
}

func TestExecuteOneResolvesSocialPlatform(t *testing.T) {
	fc := &fakeIntegration{platform: models.PlatformFarcaster}
	world := worldstate.NewStore(worldstate.Config{})
	actx := testContext(world, fakeSource{models.PlatformFarcaster: fc}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	rec := exec.ExecuteOne(context.Background(), models.ActionPlan{
		ActionType: "like_post",
		Parameters: map[string]any{"cast_hash": "0xabc"},
	}, actx)

	if !rec.Success {
		t.Fatalf("like failed: %v", rec.Result)
	}
	if rec.Platform != models.PlatformFarcaster {
		t.Errorf("platform = %s", rec.Platform)
	}
	if len(fc.reacts) != 1 || fc.reacts[0] != "0xabc:like" {
		t.Errorf("reacts = %v", fc.reacts)
	}
}

func TestExecuteOneCapabilityMissing(t *testing.T) {
	bare := &bareIntegration{platform: models.PlatformMatrix}
	actx := testContext(worldstate.NewStore(worldstate.Config{}), fakeSource{models.PlatformMatrix: bare}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	rec := exec.ExecuteOne(context.Background(), models.ActionPlan{
		ActionType: "react_to_message",
		Parameters: map[string]any{"channel_id": "!r:x", "message_id": "$m", "reaction": "👍"},
	}, actx)

	if rec.Success {
		t.Fatal("expected capability failure")
	}
	if msg := resultError(rec); !strings.Contains(msg, "does not support") {
		t.Errorf("error = %q", msg)
	}
}

func TestExecuteAllStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	actx := testContext(worldstate.NewStore(worldstate.Config{}), fakeSource{}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	records := exec.ExecuteAll(ctx, []models.ActionPlan{
		{ActionType: "wait", Parameters: map[string]any{"duration": 0.01}},
	}, actx)
	if len(records) != 0 {
		t.Fatalf("records = %d", len(records))
	}
}

func TestExecuteOneWait(t *testing.T) {
	actx := testContext(worldstate.NewStore(worldstate.Config{}), fakeSource{}, nil)
	exec := NewExecutor(testRegistry(t), nil, nil, testLogger(), nil)

	rec := exec.ExecuteOne(context.Background(), models.ActionPlan{
		ActionType: "wait",
		Parameters: map[string]any{"duration": 0.01},
	}, actx)

	if !rec.Success {
		t.Fatalf("wait failed: %v", rec.Result)
	}
	if got, _ := rec.Result["duration_seconds"].(float64); got != 0.01 {
		t.Errorf("duration_seconds = %v", got)
	}
}
