package integrations

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/backoff"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

type fakeIntegration struct {
	platform models.Platform
	events   chan models.Message

	mu          sync.Mutex
	status      Status
	connectErrs []error
	connects    int
}

func newFakeIntegration(platform models.Platform, connectErrs ...error) *fakeIntegration {
	return &fakeIntegration{
		platform:    platform,
		events:      make(chan models.Message, 8),
		status:      Status{Platform: platform, State: StateDisconnected},
		connectErrs: connectErrs,
	}
}

func (f *fakeIntegration) Platform() models.Platform { return f.platform }

func (f *fakeIntegration) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.status.State = StateError
			return err
		}
	}
	f.status.State = StateConnected
	return nil
}

func (f *fakeIntegration) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State == StateConnected {
		close(f.events)
	}
	f.status.State = StateDisconnected
	return nil
}

func (f *fakeIntegration) TestConnection(ctx context.Context) ConnectionTestResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ConnectionTestResult{OK: f.status.State == StateConnected, Detail: string(f.platform)}
}

func (f *fakeIntegration) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeIntegration) SendMessage(ctx context.Context, channelID, content string, opts SendOptions) (*SendResult, error) {
	return &SendResult{MessageID: "sent", Timestamp: time.Now()}, nil
}

func (f *fakeIntegration) ReplyToMessage(ctx context.Context, channelID, replyToID, content string, opts SendOptions) (*SendResult, error) {
	return &SendResult{MessageID: "replied", Timestamp: time.Now()}, nil
}

func (f *fakeIntegration) Events() <-chan models.Message { return f.events }

func testManager() *Manager {
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	m.policy = backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	return m
}

func TestRegisterRejectsDuplicatePlatform(t *testing.T) {
	m := testManager()
	if err := m.Register(newFakeIntegration(models.PlatformMatrix)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := m.Register(newFakeIntegration(models.PlatformMatrix)); err == nil {
		t.Fatal("duplicate platform should be rejected")
	}
	if _, ok := m.Get(models.PlatformMatrix); !ok {
		t.Error("registered integration not found")
	}
}

func TestConnectAllContinuesPastFailures(t *testing.T) {
	m := testManager()
	broken := newFakeIntegration(models.PlatformMatrix, corviderr.ErrConfig("bad homeserver", nil))
	healthy := newFakeIntegration(models.PlatformFarcaster)
	m.Register(broken)
	m.Register(healthy)

	err := m.ConnectAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error for the failed platform")
	}
	if m.ConnectedCount() != 1 {
		t.Errorf("ConnectedCount = %d, want 1", m.ConnectedCount())
	}
	if broken.connects != 1 {
		t.Errorf("config error retried %d times, want 1 attempt", broken.connects)
	}
}

func TestConnectAllRetriesTransientFailures(t *testing.T) {
	m := testManager()
	flaky := newFakeIntegration(models.PlatformFarcaster,
		corviderr.ErrTransient("api flapping", nil),
		corviderr.ErrConnection("still flapping", nil),
		nil,
	)
	m.Register(flaky)

	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	if flaky.connects != 3 {
		t.Errorf("connects = %d, want 3", flaky.connects)
	}
	if m.ConnectedCount() != 1 {
		t.Errorf("ConnectedCount = %d, want 1", m.ConnectedCount())
	}
}

func TestEventsFanInAndShutdown(t *testing.T) {
	m := testManager()
	matrix := newFakeIntegration(models.PlatformMatrix)
	farcaster := newFakeIntegration(models.PlatformFarcaster)
	m.Register(matrix)
	m.Register(farcaster)

	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	matrix.events <- models.Message{ID: "$m1", Platform: models.PlatformMatrix}
	farcaster.events <- models.Message{ID: "0xf1", Platform: models.PlatformFarcaster}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Events():
			got[msg.ID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged events")
		}
	}
	if !got["$m1"] || !got["0xf1"] {
		t.Errorf("merged feed missing events: %v", got)
	}

	if err := m.DisconnectAll(context.Background()); err != nil {
		t.Fatalf("DisconnectAll: %v", err)
	}
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Error("unexpected event after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("merged feed not closed after DisconnectAll")
	}
}

func TestTestAllAndStatuses(t *testing.T) {
	m := testManager()
	m.Register(newFakeIntegration(models.PlatformMatrix))
	m.Register(newFakeIntegration(models.PlatformFarcaster))

	results := m.TestAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("TestAll returned %d results, want 2", len(results))
	}
	if results[models.PlatformMatrix].OK {
		t.Error("disconnected integration should not probe OK")
	}

	statuses := m.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Statuses returned %d, want 2", len(statuses))
	}
	if statuses[0].Platform != models.PlatformMatrix || statuses[1].Platform != models.PlatformFarcaster {
		t.Errorf("statuses out of registration order: %+v", statuses)
	}
}
