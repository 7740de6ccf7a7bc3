package worldstate

import (
	"testing"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

func TestUndecryptableTrackAndDue(t *testing.T) {
	reg := NewUndecryptableRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reg.Track("$ev1", "!room:example.org", "@alice:example.org", base)
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}

	// Re-reporting the same event must not reset its state.
	reg.Track("$ev1", "!room:example.org", "@alice:example.org", base.Add(30*time.Second))

	// First retry is due one minute after tracking.
	if due := reg.Due(base.Add(30 * time.Second)); len(due) != 0 {
		t.Fatalf("nothing should be due after 30s, got %d", len(due))
	}
	due := reg.Due(base.Add(time.Minute))
	if len(due) != 1 || due[0].EventID != "$ev1" {
		t.Fatalf("Due = %+v, want $ev1", due)
	}
}

func TestUndecryptableBackoffDoubles(t *testing.T) {
	reg := NewUndecryptableRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reg.Track("$ev", "!room:example.org", "", base)
	if !reg.MarkRetried("$ev", "!room:example.org", base.Add(time.Minute)) {
		t.Fatal("event should still be tracked after one retry")
	}

	// Second retry backs off to two minutes after the first attempt.
	if due := reg.Due(base.Add(2 * time.Minute)); len(due) != 0 {
		t.Fatalf("retry should not be due yet, got %d", len(due))
	}
	if due := reg.Due(base.Add(3 * time.Minute)); len(due) != 1 {
		t.Fatalf("retry should be due at +3m, got %d", len(due))
	}
}

func TestUndecryptableRetriesExhaust(t *testing.T) {
	reg := NewUndecryptableRegistry()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reg.Track("$ev", "!room:example.org", "", now)
	for i := 0; i < defaultMaxDecryptRetries-1; i++ {
		now = now.Add(time.Hour)
		if !reg.MarkRetried("$ev", "!room:example.org", now) {
			t.Fatalf("retry %d should keep the event tracked", i+1)
		}
	}
	if reg.MarkRetried("$ev", "!room:example.org", now.Add(time.Hour)) {
		t.Error("final retry should drop the event")
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0 after exhaustion", reg.Len())
	}
}

func TestUndecryptableResolve(t *testing.T) {
	reg := NewUndecryptableRegistry()
	now := time.Now()

	reg.Track("$ev", "!room:example.org", "", now)
	if !reg.Resolve("$ev", "!room:example.org") {
		t.Error("resolve should report true for a tracked event")
	}
	if reg.Resolve("$ev", "!room:example.org") {
		t.Error("second resolve should report false")
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
}

func TestUndecryptableRestoreKeepsProgress(t *testing.T) {
	reg := NewUndecryptableRegistry()
	now := time.Now()

	reg.Restore(&models.UndecryptableEvent{
		EventID:    "$ev",
		ChannelID:  "!room:example.org",
		RetryCount: 3,
		LastRetry:  now.Add(-time.Hour),
		MaxRetries: 5,
	})
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}

	// Two more retries exhaust the restored budget.
	if !reg.MarkRetried("$ev", "!room:example.org", now) {
		t.Error("retry 4 should keep the event tracked")
	}
	if reg.MarkRetried("$ev", "!room:example.org", now.Add(time.Hour)) {
		t.Error("retry 5 should drop the event")
	}
}

func TestUndecryptableRestoreIgnoresTracked(t *testing.T) {
	reg := NewUndecryptableRegistry()
	now := time.Now()

	reg.Track("$ev", "!room:example.org", "@a:example.org", now)
	reg.Restore(&models.UndecryptableEvent{EventID: "$ev", ChannelID: "!room:example.org", RetryCount: 4})

	if !reg.MarkRetried("$ev", "!room:example.org", now) {
		t.Error("restore must not overwrite the live retry count")
	}
}
