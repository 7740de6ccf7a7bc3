package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/decision"
	"github.com/corvid-labs/corvid/internal/history"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type providerStep struct {
	text string
	err  error
}

// scriptProvider plays back canned completions in order. Summary
// requests are recognized by their system prompt and answered out of
// band so collapsed-node refreshes never consume decision steps.
type scriptProvider struct {
	mu      sync.Mutex
	steps   []providerStep
	next    int
	reqs    []decision.Request
	summary string
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, req decision.Request) (decision.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.System == decision.SummarySystemPrompt {
		return decision.Response{Text: p.summary}, nil
	}

	p.reqs = append(p.reqs, req)
	if p.next >= len(p.steps) {
		return decision.Response{Text: `{"selected_actions": []}`}, nil
	}
	step := p.steps[p.next]
	p.next++
	if step.err != nil {
		return decision.Response{}, step.err
	}
	return decision.Response{Text: step.text}, nil
}

func (p *scriptProvider) requests() []decision.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]decision.Request(nil), p.reqs...)
}

type sentMessage struct {
	channelID string
	content   string
	opts      integrations.SendOptions
}

// fakeIntegration records sends and key requests.
type fakeIntegration struct {
	platform models.Platform
	events   chan models.Message

	mu          sync.Mutex
	sends       []sentMessage
	keyRequests []string
	seq         int
}

func newFakeIntegration(platform models.Platform) *fakeIntegration {
	return &fakeIntegration{platform: platform, events: make(chan models.Message, 16)}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sends = append(f.sends, sentMessage{channelID: channelID, content: content, opts: opts})
	return &integrations.SendResult{MessageID: fmt.Sprintf("sent-%d", f.seq), Timestamp: time.Now()}, nil
}

func (f *fakeIntegration) ReplyToMessage(ctx context.Context, channelID, _ string, content string, opts integrations.SendOptions) (*integrations.SendResult, error) {
	return f.SendMessage(ctx, channelID, content, opts)
}

func (f *fakeIntegration) Events() <-chan models.Message { return f.events }

func (f *fakeIntegration) RequestRoomKeys(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyRequests = append(f.keyRequests, roomID)
	return nil
}

func (f *fakeIntegration) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

func (f *fakeIntegration) roomKeyRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keyRequests...)
}

type fakeMedia struct {
	ref *models.GeneratedMediaRef
}

func (m *fakeMedia) Generate(_ context.Context, prompt, aspectRatio string) (*models.GeneratedMediaRef, error) {
	if m.ref == nil {
		return nil, fmt.Errorf("no media configured")
	}
	ref := *m.ref
	ref.Prompt = prompt
	ref.AspectRatio = aspectRatio
	return &ref, nil
}

func (m *fakeMedia) Describe(context.Context, string) (string, error) {
	return "a test image", nil
}

type harness struct {
	world     *worldstate.Store
	nodes     *nodes.Manager
	limiter   *ratelimit.Limiter
	provider  *scriptProvider
	media     *fakeMedia
	matrix    *fakeIntegration
	farcaster *fakeIntegration
	manager   *integrations.Manager
	undec     *worldstate.UndecryptableRegistry
	orch      *Orchestrator
}

// newHarness wires a full orchestrator against fakes. Cycle pacing is
// collapsed to a nanosecond so tests can run cycles back to back.
func newHarness(t *testing.T, cfg Config, limits ratelimit.Config) *harness {
	t.Helper()

	logger := testLogger()
	world := worldstate.NewStore(worldstate.Config{})
	nodeMgr := nodes.NewManager(nodes.DefaultManagerConfig(), logger, nil)

	if limits.MinCycleInterval == 0 {
		limits.MinCycleInterval = time.Nanosecond
	}
	limiter := ratelimit.NewLimiter(limits)

	builder := payload.NewBuilder(payload.Config{}, world, nodeMgr, limiter, logger, nil)

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	executor := tools.NewExecutor(registry, limiter, nil, logger, nil)

	provider := &scriptProvider{summary: "quiet room, nothing new"}
	decider := decision.NewService(provider, decision.Config{
		Model:        "big-model",
		SummaryModel: "small-model",
	}, nil, logger, nil)

	matrix := newFakeIntegration(models.PlatformMatrix)
	farcaster := newFakeIntegration(models.PlatformFarcaster)
	manager := integrations.NewManager(logger, nil)
	if err := manager.Register(matrix); err != nil {
		t.Fatalf("Register matrix: %v", err)
	}
	if err := manager.Register(farcaster); err != nil {
		t.Fatalf("Register farcaster: %v", err)
	}

	if cfg.BatchMax == 0 {
		cfg.BatchMax = 1 // flush chat ingest on the caller's goroutine
	}
	cfg.Identity = payload.Identity{
		MatrixUserID:      "@corvid:example.org",
		FarcasterFID:      "777",
		FarcasterUsername: "corvid",
	}
	cfg.Persona = decision.Persona{Name: "Corvid", Bio: "a curious crow on the wire"}

	media := &fakeMedia{}
	undec := worldstate.NewUndecryptableRegistry()

	orch, err := New(cfg, Deps{
		World:         world,
		Nodes:         nodeMgr,
		Builder:       builder,
		Limiter:       limiter,
		Decider:       decider,
		Executor:      executor,
		Registry:      registry,
		Integrations:  manager,
		Media:         media,
		Undecryptable: undec,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &harness{
		world:     world,
		nodes:     nodeMgr,
		limiter:   limiter,
		provider:  provider,
		media:     media,
		matrix:    matrix,
		farcaster: farcaster,
		manager:   manager,
		undec:     undec,
		orch:      orch,
	}
}

func (h *harness) cycle(t *testing.T) *CycleResult {
	t.Helper()
	return h.orch.ProcessCycle(context.Background())
}

func userMessage(id, channelID, content string) *models.Message {
	return &models.Message{
		ID:        id,
		ChannelID: channelID,
		Platform:  models.PlatformMatrix,
		SenderID:  "@alice:example.org",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func chatDecision(channelID, content string) string {
	plan := map[string]any{
		"action_type": "send_chat_message",
		"parameters":  map[string]any{"channel_id": channelID, "content": content},
		"reasoning":   "answer the room",
		"priority":    5,
	}
	raw, _ := json.Marshal(map[string]any{
		"observations":     "someone is talking",
		"selected_actions": []any{plan},
	})
	return string(raw)
}

func postDecision(text string) string {
	plan := map[string]any{
		"action_type": "send_social_post",
		"parameters":  map[string]any{"text": text},
		"reasoning":   "share it",
		"priority":    5,
	}
	raw, _ := json.Marshal(map[string]any{"selected_actions": []any{plan}})
	return string(raw)
}

func decodePayload(t *testing.T, req decision.Request) *payload.Payload {
	t.Helper()
	var p payload.Payload
	if err := json.Unmarshal([]byte(req.UserContent), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return &p
}

func hasTool(req decision.Request, name string) bool {
	for _, tool := range req.Tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

func TestNewRequiresCoreDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected an error for missing dependencies")
	}
}

func TestTriggeredCycleSendsChatMessage(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!news:example.org"

	h.provider.steps = []providerStep{{text: chatDecision(room, "good morning")}}
	h.orch.ingest(userMessage("ev-1", room, "anyone awake?"))

	res := h.cycle(t)

	if res.Status != CycleOK {
		t.Fatalf("status = %q, want %q", res.Status, CycleOK)
	}
	if res.Focus != room {
		t.Errorf("focus = %q, want %q", res.Focus, room)
	}
	if res.Actions != 1 {
		t.Errorf("actions = %d, want 1", res.Actions)
	}

	sends := h.matrix.sent()
	if len(sends) != 1 {
		t.Fatalf("matrix sends = %d, want 1", len(sends))
	}
	if sends[0].channelID != room || sends[0].content != "good morning" {
		t.Errorf("sent %+v", sends[0])
	}

	last := h.world.LastAction()
	if last == nil || last.ActionKind != "send_chat_message" || !last.Success {
		t.Errorf("last action = %+v", last)
	}

	// The outgoing message is echoed into the world as our own.
	ch, ok := h.world.Channel(models.PlatformMatrix, room)
	if !ok {
		t.Fatal("channel not in world")
	}
	var echoed bool
	for _, msg := range ch.RecentMessages {
		if msg.FromSelf && msg.Content == "good morning" {
			echoed = true
		}
	}
	if !echoed {
		t.Error("outgoing message not echoed into the channel")
	}
}

func TestPayloadCarriesTriggerAndConnections(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!lab:example.org"

	h.orch.ingest(userMessage("ev-7", room, "ping"))
	h.cycle(t)

	reqs := h.provider.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].Model != "big-model" {
		t.Errorf("model = %q, want big-model", reqs[0].Model)
	}

	p := decodePayload(t, reqs[0])
	if p.Mode != payload.ModeTraditional {
		t.Errorf("mode = %q, want traditional", p.Mode)
	}
	if p.CurrentChannelID != room {
		t.Errorf("current_channel_id = %q, want %q", p.CurrentChannelID, room)
	}
	ch, ok := p.Channels["matrix:"+room]
	if !ok {
		t.Fatalf("payload channels = %v, missing %q", keysOf(p.Channels), room)
	}
	if !ch.Detail {
		t.Error("focus channel should carry detail")
	}
	if len(ch.RecentMessages) == 0 || ch.RecentMessages[0].Content != "ping" {
		t.Errorf("focus messages = %+v", ch.RecentMessages)
	}
	if p.SystemStatus == nil || p.SystemStatus.Connections["matrix"] != "connected" {
		t.Errorf("system status = %+v", p.SystemStatus)
	}
}

func keysOf(m map[string]*payload.ChannelView) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Repeated bot sends with no user reply must surface in the next
// payload as a back-off recommendation.
func TestBotActivityRecommendsWaiting(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!echo:example.org"

	h.provider.steps = []providerStep{
		{text: chatDecision(room, "has anyone tried the new build?")},
		{text: chatDecision(room, "the release notes are worth a read too")},
	}

	h.orch.ingest(userMessage("ev-1", room, "hello"))
	h.cycle(t)
	h.cycle(t)
	h.cycle(t) // script exhausted, decides nothing

	reqs := h.provider.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}

	p := decodePayload(t, reqs[2])
	if p.BotActivity == nil {
		t.Fatal("payload has no bot activity context")
	}
	if p.BotActivity.LastAction == nil || p.BotActivity.LastAction.Kind != "send_chat_message" {
		t.Errorf("last action = %+v", p.BotActivity.LastAction)
	}
	activity := p.BotActivity.Channels["matrix:"+room]
	if activity == nil {
		t.Fatalf("no activity entry for %s", room)
	}
	if activity.BotMessages != 2 {
		t.Errorf("bot messages = %d, want 2", activity.BotMessages)
	}
	if !activity.NoRecentUserResponse {
		t.Error("expected no-recent-user-response")
	}
	if activity.Recommendation != "WAIT" {
		t.Errorf("recommendation = %q, want WAIT", activity.Recommendation)
	}
}

// Third post in the hour hits the action budget: the tool is never
// invoked and the failure lands in the action history.
func TestActionBudgetBlocksOverflow(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{
		ActionLimits: map[string]int{"send_social_post": 2},
	})

	h.provider.steps = []providerStep{
		{text: postDecision("first")},
		{text: postDecision("second")},
		{text: postDecision("third")},
	}

	h.orch.ingest(userMessage("ev-1", "!any:example.org", "go"))
	h.cycle(t)
	h.cycle(t)
	res := h.cycle(t)

	if res.Actions != 1 {
		t.Fatalf("third cycle actions = %d, want 1", res.Actions)
	}
	if got := len(h.farcaster.sent()); got != 2 {
		t.Fatalf("farcaster sends = %d, want 2", got)
	}

	hist := h.world.ActionHistory(0)
	if len(hist) != 3 {
		t.Fatalf("action history = %d, want 3", len(hist))
	}
	blocked := hist[len(hist)-1]
	if blocked.Success {
		t.Fatal("third post should have failed")
	}
	errText, _ := blocked.Result["error"].(string)
	if !strings.HasPrefix(errText, "rate_limited") {
		t.Errorf("error = %q, want rate_limited prefix", errText)
	}
}

// generate_image followed by send_social_post in one cycle attaches the
// fresh media to the post without the model naming it.
func TestGeneratedMediaAttachesToPost(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	h.media.ref = &models.GeneratedMediaRef{
		MediaID:   "media-7",
		URL:       "https://img.example/sunset.png",
		CreatedAt: time.Now(),
	}

	raw, _ := json.Marshal(map[string]any{
		"selected_actions": []any{
			map[string]any{
				"action_type": "generate_image",
				"parameters":  map[string]any{"prompt": "a sunset over the bay", "aspect_ratio": "16:9"},
				"priority":    6,
			},
			map[string]any{
				"action_type": "send_social_post",
				"parameters":  map[string]any{"text": "evening colors"},
				"priority":    5,
			},
		},
	})
	h.provider.steps = []providerStep{{text: string(raw)}}

	h.orch.ingest(userMessage("ev-1", "!art:example.org", "paint something"))
	res := h.cycle(t)

	if res.Actions != 2 {
		t.Fatalf("actions = %d, want 2", res.Actions)
	}
	sends := h.farcaster.sent()
	if len(sends) != 1 {
		t.Fatalf("farcaster sends = %d, want 1", len(sends))
	}
	if sends[0].opts.MediaID != "media-7" {
		t.Errorf("send media id = %q, want media-7", sends[0].opts.MediaID)
	}
	if len(sends[0].opts.MediaURLs) == 0 {
		t.Error("send carried no media URL")
	}

	if ref := h.world.LastGeneratedMedia(time.Hour); ref == nil || ref.MediaID != "media-7" {
		t.Errorf("world media ref = %+v", ref)
	}
	hist := h.world.ActionHistory(0)
	post := hist[len(hist)-1]
	if post.ActionKind != "send_social_post" || post.Result["media_id"] != "media-7" {
		t.Errorf("post record = %+v", post)
	}
}

func TestPaymentFailureFallsBackToSummaryProfile(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!pay:example.org"

	h.provider.steps = []providerStep{
		{err: fmt.Errorf("%w: credits exhausted", decision.ErrPaymentRequired)},
		{text: chatDecision(room, "still here")},
	}

	h.orch.ingest(userMessage("ev-1", room, "you there?"))
	res := h.cycle(t)

	reqs := h.provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].Model != "big-model" || reqs[1].Model != "small-model" {
		t.Errorf("models = %q then %q, want big-model then small-model", reqs[0].Model, reqs[1].Model)
	}
	if res.Status != CycleOK || res.Actions != 1 {
		t.Errorf("result = %+v, want one dispatched action", res)
	}
	if got := len(h.matrix.sent()); got != 1 {
		t.Errorf("matrix sends = %d, want 1", got)
	}
}

func TestProviderErrorEndsCycleEmpty(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.provider.steps = []providerStep{{err: fmt.Errorf("upstream 500")}}
	h.orch.ingest(userMessage("ev-1", "!err:example.org", "hi"))

	res := h.cycle(t)
	if res.Status != CycleEmpty {
		t.Fatalf("status = %q, want %q", res.Status, CycleEmpty)
	}
	if got := len(h.matrix.sent()); got != 0 {
		t.Errorf("matrix sends = %d, want 0", got)
	}
}

func TestCycleDeferredWhenHourBudgetSpent(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{MaxCyclesPerHour: 1})

	h.orch.ingest(userMessage("ev-1", "!one:example.org", "hi"))
	first := h.cycle(t)
	if first.Status == CycleDeferred {
		t.Fatalf("first cycle deferred: %+v", first)
	}

	second := h.cycle(t)
	if second.Status != CycleDeferred {
		t.Fatalf("second status = %q, want %q", second.Status, CycleDeferred)
	}
	if second.Wait <= 30*time.Minute {
		t.Errorf("wait = %v, want most of the hour window", second.Wait)
	}
	if got := len(h.provider.requests()); got != 1 {
		t.Errorf("requests = %d, want 1 (deferred cycle must not call the model)", got)
	}
}

func TestChooseMode(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	if mode := h.orch.chooseMode(); mode != payload.ModeTraditional {
		t.Errorf("default mode = %q, want traditional", mode)
	}

	forced := newHarness(t, Config{PreferNodeBased: true}, ratelimit.Config{})
	if mode := forced.orch.chooseMode(); mode != payload.ModeNodeBased {
		t.Errorf("preferred mode = %q, want node_based", mode)
	}

	tiny := newHarness(t, Config{MaxTraditionalPayloadSize: 1}, ratelimit.Config{})
	tiny.world.AddMessage(userMessage("ev-1", "!big:example.org", "content"))
	if mode := tiny.orch.chooseMode(); mode != payload.ModeNodeBased {
		t.Errorf("oversize mode = %q, want node_based", mode)
	}
}

func TestRoundRobinFocusRotation(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	// Straight into the store: ingest would set a trigger.
	h.world.AddMessage(userMessage("m-1", "!alpha:example.org", "a"))
	h.world.AddMessage(userMessage("m-2", "!beta:example.org", "b"))

	var seen []string
	for i := 0; i < 3; i++ {
		f := h.orch.takeFocus()
		if f.messageID != "" {
			t.Fatalf("round-robin focus carries a trigger: %+v", f)
		}
		seen = append(seen, f.channelID)
	}
	want := []string{"!alpha:example.org", "!beta:example.org", "!alpha:example.org"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", seen, want)
		}
	}
}

func TestTriggerOutranksRotation(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.world.AddMessage(userMessage("m-1", "!alpha:example.org", "a"))
	h.orch.ingest(userMessage("ev-9", "!urgent:example.org", "now"))

	f := h.orch.takeFocus()
	if f.channelID != "!urgent:example.org" || f.messageID != "ev-9" {
		t.Fatalf("focus = %+v, want the triggering event", f)
	}

	// Consumed: the next focus falls back to rotation.
	f = h.orch.takeFocus()
	if f.messageID != "" {
		t.Fatalf("trigger not consumed: %+v", f)
	}
}

func TestOwnMessagesDoNotTrigger(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	msg := userMessage("ev-self", "!home:example.org", "talking to myself")
	msg.SenderID = "@corvid:example.org"
	msg.FromSelf = true
	h.orch.ingest(msg)

	if f := h.orch.takeFocus(); f.messageID != "" {
		t.Fatalf("self message set a trigger: %+v", f)
	}
}

func TestUndecryptableIngestTracksWithoutTrigger(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!sealed:example.org"

	msg := userMessage("ev-enc", room, "[message could not be decrypted]")
	msg.Metadata = map[string]any{"undecryptable": true}
	h.orch.ingest(msg)

	if h.undec.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", h.undec.Len())
	}
	if f := h.orch.takeFocus(); f.messageID != "" {
		t.Fatalf("placeholder set a trigger: %+v", f)
	}

	ch, ok := h.world.Channel(models.PlatformMatrix, room)
	if !ok || len(ch.RecentMessages) != 1 {
		t.Fatalf("placeholder not stored: %+v", ch)
	}
	if ch.RecentMessages[0].Content != "[message could not be decrypted]" {
		t.Errorf("placeholder content = %q", ch.RecentMessages[0].Content)
	}
}

func TestLateDecryptReplacesPlaceholder(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!sealed:example.org"

	placeholder := userMessage("ev-enc", room, "[message could not be decrypted]")
	placeholder.Metadata = map[string]any{"undecryptable": true}
	h.orch.ingest(placeholder)

	h.orch.ingest(userMessage("ev-enc", room, "the keys finally arrived"))

	ch, _ := h.world.Channel(models.PlatformMatrix, room)
	if len(ch.RecentMessages) != 1 {
		t.Fatalf("messages = %d, want the placeholder replaced in place", len(ch.RecentMessages))
	}
	if got := ch.RecentMessages[0].Content; got != "the keys finally arrived" {
		t.Errorf("content = %q", got)
	}
	if h.undec.Len() != 0 {
		t.Errorf("registry len = %d, want 0 after resolve", h.undec.Len())
	}
	if f := h.orch.takeFocus(); f.messageID != "ev-enc" {
		t.Errorf("late decrypt should trigger a cycle, focus = %+v", f)
	}
}

func TestUndecryptableRetryRequestsKeys(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	room := "!sealed:example.org"

	h.undec.Restore(&models.UndecryptableEvent{
		EventID:    "ev-a",
		ChannelID:  room,
		Sender:     "@alice:example.org",
		LastRetry:  time.Now().Add(-2 * time.Minute),
		MaxRetries: 5,
	})
	h.undec.Restore(&models.UndecryptableEvent{
		EventID:    "ev-b",
		ChannelID:  room,
		Sender:     "@bob:example.org",
		LastRetry:  time.Now().Add(-2 * time.Minute),
		MaxRetries: 5,
	})

	h.orch.retryUndecryptable(context.Background())

	// One key request per room, however many events wait on it.
	reqs := h.matrix.roomKeyRequests()
	if len(reqs) != 1 || reqs[0] != room {
		t.Fatalf("key requests = %v, want one for %s", reqs, room)
	}
	if h.undec.Len() != 2 {
		t.Errorf("registry len = %d, want both still tracked", h.undec.Len())
	}

	// Freshly retried events are inside the backoff window.
	h.orch.retryUndecryptable(context.Background())
	if got := len(h.matrix.roomKeyRequests()); got != 1 {
		t.Errorf("key requests after immediate rerun = %d, want 1", got)
	}
}

func TestNodeModeRefreshesCollapsedSummaries(t *testing.T) {
	h := newHarness(t, Config{PreferNodeBased: true}, ratelimit.Config{})
	room := "!den:example.org"

	h.orch.ingest(userMessage("ev-1", room, "settling in"))
	h.cycle(t) // registers the channel node
	h.cycle(t) // refresh sees changed data and summarizes

	path := nodes.ChannelPath(models.PlatformMatrix, room)
	meta, ok := h.nodes.Node(path)
	if !ok {
		t.Fatalf("no node at %s", path)
	}
	if meta.Summary != "quiet room, nothing new" {
		t.Errorf("summary = %q", meta.Summary)
	}
	if meta.Fingerprint == "" {
		t.Error("summary left no fingerprint")
	}

	reqs := h.provider.requests()
	last := reqs[len(reqs)-1]
	p := decodePayload(t, last)
	if p.Mode != payload.ModeNodeBased {
		t.Fatalf("mode = %q, want node_based", p.Mode)
	}
	ns, ok := p.CollapsedNodeSummaries[path]
	if !ok {
		t.Fatalf("payload has no collapsed summary for %s", path)
	}
	if ns.Summary != "quiet room, nothing new" {
		t.Errorf("payload summary = %q", ns.Summary)
	}

	// Node control rides along with actions in single-phase node mode.
	if !hasTool(last, "expand_node") || !hasTool(last, "send_chat_message") {
		t.Error("node-based request should offer node and action tools")
	}
}

func TestTwoPhaseExplorationExpandsBeforeDeciding(t *testing.T) {
	h := newHarness(t, Config{
		PreferNodeBased: true,
		EnableTwoPhase:  true,
	}, ratelimit.Config{})
	room := "!deep:example.org"
	path := nodes.ChannelPath(models.PlatformMatrix, room)

	expand, _ := json.Marshal(map[string]any{
		"reasoning": "need the room detail, then EXPLORATION_COMPLETE",
		"selected_actions": []any{
			map[string]any{
				"action_type": "expand_node",
				"parameters":  map[string]any{"node_path": path},
				"priority":    5,
			},
		},
	})
	h.provider.steps = []providerStep{
		{text: string(expand)},
		{text: chatDecision(room, "caught up now")},
	}

	h.orch.ingest(userMessage("ev-1", room, "scroll back a bit"))
	res := h.cycle(t)

	if res.Status != CycleOK {
		t.Fatalf("status = %q", res.Status)
	}

	meta, ok := h.nodes.Node(path)
	if !ok || !meta.IsExpanded {
		t.Errorf("node not expanded: %+v", meta)
	}
	if got := len(h.matrix.sent()); got != 1 {
		t.Errorf("matrix sends = %d, want 1", got)
	}

	reqs := h.provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want exploration then decision", len(reqs))
	}
	if !strings.Contains(reqs[0].System, "Exploration phase") {
		t.Error("first request is not the exploration phase")
	}
	if strings.Contains(reqs[1].System, "Exploration phase") {
		t.Error("second request should be the action phase")
	}
	if hasTool(reqs[0], "send_chat_message") {
		t.Error("exploration phase offered action tools")
	}
	if !hasTool(reqs[0], "expand_node") {
		t.Error("exploration phase missing node tools")
	}
	if hasTool(reqs[1], "expand_node") {
		t.Error("action phase after exploration still offered node tools")
	}
}

func TestMediaEvictionWorker(t *testing.T) {
	h := newHarness(t, Config{MediaRetainFor: time.Minute}, ratelimit.Config{})

	h.world.RegisterGeneratedMedia(&models.GeneratedMediaRef{
		MediaID:   "old",
		URL:       "https://img.example/old.png",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	h.world.RegisterGeneratedMedia(&models.GeneratedMediaRef{
		MediaID:   "fresh",
		URL:       "https://img.example/fresh.png",
		CreatedAt: time.Now(),
	})

	h.orch.evictExpiredMedia(context.Background())

	refs := h.world.RecentMedia(24 * time.Hour)
	if len(refs) != 1 || refs[0].MediaID != "fresh" {
		t.Fatalf("media after eviction = %+v", refs)
	}
}

// A full cycle with the write-behind recorder attached lands both the
// observation block and the tool execution in the history store.
func TestObservationBlocksReachHistory(t *testing.T) {
	store, err := history.Open(t.TempDir()+"/corvid.db", testLogger(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	recorder := history.NewRecorder(store, 64, testLogger(), nil)

	h := newHarness(t, Config{}, ratelimit.Config{})
	h.orch.deps.Recorder = recorder
	h.orch.deps.History = store
	h.world.SetChangeSink(recorder.RecordStateChange)

	room := "!persist:example.org"
	h.provider.steps = []providerStep{{text: chatDecision(room, "noted")}}
	h.orch.ingest(userMessage("ev-1", room, "remember this"))
	h.cycle(t)

	if err := recorder.Close(context.Background()); err != nil {
		t.Fatalf("recorder close: %v", err)
	}

	ctx := context.Background()
	obs, err := store.GetRecentStateChanges(ctx, 10, string(models.ChangeLLMObservation))
	if err != nil {
		t.Fatalf("GetRecentStateChanges: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("observation blocks = %d, want 1", len(obs))
	}
	if obs[0].Source != "orchestrator" || obs[0].ChannelID != room {
		t.Errorf("observation = %+v", obs[0])
	}
	if len(obs[0].SelectedActions) != 1 {
		t.Errorf("selected actions in block = %d, want 1", len(obs[0].SelectedActions))
	}

	execs, err := store.GetRecentStateChanges(ctx, 10, string(models.ChangeToolExecution))
	if err != nil {
		t.Fatalf("GetRecentStateChanges: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("tool execution blocks = %d, want 1", len(execs))
	}

	msgs, err := store.GetRecentMessages(ctx, room, models.PlatformMatrix, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "remember this" {
		t.Errorf("persisted messages = %+v, want the inbound one", msgs)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Config{DrainTimeout: 50 * time.Millisecond}, ratelimit.Config{})

	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}

	// Connecting starts the per-integration forwarders; events then flow
	// through ingest while the loop idles before its first cycle.
	if err := h.manager.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	h.matrix.events <- *userMessage("ev-1", "!live:example.org", "anyone?")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.world.Channel(models.PlatformMatrix, "!live:example.org"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ingest never delivered the event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.orch.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.orch.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	report := h.orch.StatusReport()
	if running, _ := report["running"].(bool); running {
		t.Error("report still shows running after Stop")
	}
}
