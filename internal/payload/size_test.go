package payload

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/pkg/models"
)

func TestEstimateGrowsWithWorld(t *testing.T) {
	b, world, _ := testBuilder(t, Config{})

	empty := b.EstimateTraditionalSize()
	if empty <= 0 {
		t.Fatalf("estimate = %d, want positive baseline", empty)
	}

	now := time.Now()
	for i := 0; i < 10; i++ {
		world.AddMessage(chatMsg(fmt.Sprintf("$%d", i), fmt.Sprintf("!ch%d:example.org", i), "@amy:example.org", "hello", now))
	}
	for i := 0; i < 15; i++ {
		world.AddActionResult(&models.ActionRecord{ActionKind: "wait", Success: true})
	}

	grown := b.EstimateTraditionalSize()
	if grown <= empty {
		t.Fatalf("estimate did not grow: %d -> %d", empty, grown)
	}
	if again := b.EstimateTraditionalSize(); again != grown {
		t.Fatalf("estimate not deterministic: %d vs %d", grown, again)
	}
}

func TestTrimReducesDetailThenTruncates(t *testing.T) {
	b, world, _ := testBuilder(t, Config{
		DetailMessages: 30,
		MaxBytes:       2000,
		MaxContentLen:  40,
	})
	now := time.Now()

	long := strings.Repeat("lorem ipsum ", 20)
	for i := 0; i < 30; i++ {
		world.AddMessage(chatMsg(fmt.Sprintf("$%02d", i), "!go:example.org", "@amy:example.org", long, now.Add(time.Duration(i)*time.Second)))
	}

	p, err := b.Build(BuildRequest{
		Mode:           ModeTraditional,
		FocusPlatform:  models.PlatformMatrix,
		FocusChannelID: "!go:example.org",
		Identity:       testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	focus := p.Channels["matrix:!go:example.org"]
	if focus == nil {
		t.Fatal("focus channel missing")
	}
	if len(focus.RecentMessages) != minDetailMessages {
		t.Fatalf("detail not reduced: %d messages", len(focus.RecentMessages))
	}
	// The newest messages survive the cut.
	if focus.RecentMessages[len(focus.RecentMessages)-1].ID != "$29" {
		t.Fatalf("wrong tail after trim: %s", focus.RecentMessages[len(focus.RecentMessages)-1].ID)
	}
	for _, mv := range focus.RecentMessages {
		if !strings.HasSuffix(mv.Content, "…") {
			t.Fatalf("long body not truncated: %q", mv.Content)
		}
		if got := len([]rune(mv.Content)); got > 41 {
			t.Fatalf("truncated body still %d runes", got)
		}
	}
	if p.Stats.Bytes == 0 {
		t.Fatal("final size not recorded")
	}
}

func TestTrimDropsUnpinnedSummariesFirst(t *testing.T) {
	b, world, nodeMgr := testBuilder(t, Config{
		MaxBytes:    900,
		SummaryKeep: 4,
	})

	for i := 0; i < 20; i++ {
		world.UpsertUser(&models.User{
			ID:       fmt.Sprintf("%d", i),
			Platform: models.PlatformFarcaster,
			Handle:   fmt.Sprintf("user%d", i),
			Bio:      "writes about distributed systems and birds",
		})
	}
	nodeMgr.Pin(nodes.PathRateLimits)

	p, err := b.Build(BuildRequest{
		Mode:          ModeNodeBased,
		FocusPlatform: models.PlatformFarcaster,
		Identity:      testIdentity(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.CollapsedNodeSummaries) > b.config.SummaryKeep {
		t.Fatalf("summaries = %d, want at most %d", len(p.CollapsedNodeSummaries), b.config.SummaryKeep)
	}
	if _, ok := p.CollapsedNodeSummaries[nodes.PathRateLimits]; !ok {
		t.Fatal("pinned summary was dropped")
	}
}

func TestTruncatePreservesShortBodies(t *testing.T) {
	if got := truncate("short", 40); got != "short" {
		t.Fatalf("truncate changed short string: %q", got)
	}
	long := strings.Repeat("ab", 40)
	got := truncate(long, 10)
	if got != long[:10]+"…" {
		t.Fatalf("truncate = %q", got)
	}
	// Rune-safe cut on multibyte content.
	got = truncate("日本語のテキストです", 3)
	if got != "日本語…" {
		t.Fatalf("multibyte truncate = %q", got)
	}
}
