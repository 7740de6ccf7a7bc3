package worldstate

import (
	"testing"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

func TestActivityMetricsWindows(t *testing.T) {
	tracker := newActivityTracker()
	now := time.Now()

	times := []time.Duration{
		-30 * time.Minute, // in the hour window
		-45 * time.Minute, // in the hour window
		-3 * time.Hour,    // only in the day window
		-20 * time.Hour,   // only in the day window
	}
	for i, offset := range times {
		tracker.record(testMsg(string(rune('a'+i)), "!r", "@u"+string(rune('a'+i)), "deploy finished", now.Add(offset)))
	}

	m := tracker.metrics(now)
	if m.MessagesLastHour != 2 {
		t.Errorf("MessagesLastHour = %d, want 2", m.MessagesLastHour)
	}
	if m.MessagesLastDay != 4 {
		t.Errorf("MessagesLastDay = %d, want 4", m.MessagesLastDay)
	}
}

func TestActivityActiveSendersDistinct(t *testing.T) {
	tracker := newActivityTracker()
	now := time.Now()

	tracker.record(testMsg("$1", "!r", "@bob:example.org", "hi", now.Add(-10*time.Minute)))
	tracker.record(testMsg("$2", "!r", "@bob:example.org", "again", now.Add(-5*time.Minute)))
	tracker.record(testMsg("$3", "!r", "@alice:example.org", "hey", now.Add(-2*time.Minute)))
	tracker.record(testMsg("$4", "!r", "@old:example.org", "stale", now.Add(-2*time.Hour)))

	m := tracker.metrics(now)
	want := []string{"@alice:example.org", "@bob:example.org"}
	if len(m.ActiveSenders) != len(want) {
		t.Fatalf("ActiveSenders = %v, want %v", m.ActiveSenders, want)
	}
	for i := range want {
		if m.ActiveSenders[i] != want[i] {
			t.Fatalf("ActiveSenders = %v, want %v", m.ActiveSenders, want)
		}
	}
}

func TestActivityKeywordsRankedByFrequency(t *testing.T) {
	tracker := newActivityTracker()
	now := time.Now()

	tracker.record(testMsg("$1", "!r", "@a", "kubernetes rollout tonight", now.Add(-10*time.Minute)))
	tracker.record(testMsg("$2", "!r", "@b", "kubernetes looks stable", now.Add(-8*time.Minute)))
	tracker.record(testMsg("$3", "!r", "@c", "rollout done", now.Add(-6*time.Minute)))
	tracker.record(testMsg("$4", "!r", "@d", "kubernetes wins", now.Add(-4*time.Minute)))

	m := tracker.metrics(now)
	if len(m.Keywords) == 0 || m.Keywords[0] != "kubernetes" {
		t.Fatalf("Keywords = %v, want kubernetes ranked first", m.Keywords)
	}
	if m.Keywords[1] != "rollout" {
		t.Errorf("Keywords = %v, want rollout second", m.Keywords)
	}
}

func TestActivityKeywordsCapped(t *testing.T) {
	tracker := newActivityTracker()
	now := time.Now()

	content := ""
	for i := 0; i < 30; i++ {
		content += " topicword" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	tracker.record(testMsg("$1", "!r", "@a", content, now))

	m := tracker.metrics(now)
	if len(m.Keywords) != maxKeywords {
		t.Errorf("Keywords = %d entries, want %d", len(m.Keywords), maxKeywords)
	}
}

func TestExtractKeywords(t *testing.T) {
	got := extractKeywords("The quick brown fox JUMPED over this lazy dog, obviously!")
	want := map[string]bool{
		"quick": true, "brown": true, "jumped": true, "lazy": true, "obviously": true,
	}
	if len(got) != len(want) {
		t.Fatalf("extractKeywords = %v, want keys %v", got, want)
	}
	for _, kw := range got {
		if !want[kw] {
			t.Errorf("unexpected keyword %q in %v", kw, got)
		}
	}

	if kws := extractKeywords(""); kws != nil {
		t.Errorf("empty content should yield nil, got %v", kws)
	}
	// Short tokens and stopwords are dropped.
	if kws := extractKeywords("it is so that they would"); len(kws) != 0 {
		t.Errorf("stopword-only content should yield nothing, got %v", kws)
	}
}

func TestMarkSummarized(t *testing.T) {
	store := NewStore(Config{})
	store.AddMessage(testMsg("$a", "!room:example.org", "@alice:example.org", "hi", time.Now()))

	at := time.Now().Add(-time.Minute)
	store.MarkSummarized(models.PlatformMatrix, "!room:example.org", at)

	ch, _ := store.Channel(models.PlatformMatrix, "!room:example.org")
	if ch.Activity == nil || !ch.Activity.LastSummaryAt.Equal(at) {
		t.Fatalf("LastSummaryAt = %+v, want %v", ch.Activity, at)
	}
}
