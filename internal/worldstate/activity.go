package worldstate

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/corvid-labs/corvid/pkg/models"
)

const (
	activityWindow = 24 * time.Hour
	maxKeywords    = 20
	minKeywordLen  = 4
)

// activityTracker derives rolling per-channel activity metrics from the
// message flow. Writes prune anything older than a day; reads never
// mutate, so they stay safe under the store's read lock.
type activityTracker struct {
	events        []activityEvent
	lastSummaryAt time.Time
}

type activityEvent struct {
	at       time.Time
	sender   string
	keywords []string
}

func newActivityTracker() *activityTracker {
	return &activityTracker{}
}

func (t *activityTracker) record(msg *models.Message) {
	t.events = append(t.events, activityEvent{
		at:       msg.Timestamp,
		sender:   msg.SenderID,
		keywords: extractKeywords(msg.Content),
	})

	cutoff := time.Now().Add(-activityWindow)
	kept := t.events[:0]
	for _, ev := range t.events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	t.events = kept
}

// metrics computes the channel's activity view at now.
func (t *activityTracker) metrics(now time.Time) *models.ActivityMetrics {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-activityWindow)

	m := &models.ActivityMetrics{LastSummaryAt: t.lastSummaryAt}
	senders := make(map[string]struct{})
	counts := make(map[string]int)
	for _, ev := range t.events {
		if !ev.at.After(dayAgo) || ev.at.After(now) {
			continue
		}
		m.MessagesLastDay++
		if !ev.at.After(hourAgo) {
			continue
		}
		m.MessagesLastHour++
		if ev.sender != "" {
			senders[ev.sender] = struct{}{}
		}
		for _, kw := range ev.keywords {
			counts[kw]++
		}
	}
	m.ActiveSenders = sortedKeys(senders)
	m.Keywords = topKeywords(counts, maxKeywords)
	return m
}

// MarkSummarized records when a channel's summary was last regenerated, so
// collapsed-channel descriptions can show summary staleness.
func (s *Store) MarkSummarized(platform models.Platform, channelID string, at time.Time) {
	s.mu.Lock()
	s.trackerLocked(platform, channelID).lastSummaryAt = at
	s.mu.Unlock()
}

// extractKeywords tokenizes content into lowercase words longer than three
// characters with stopwords removed. Repeats are kept so frequency ranking
// sees them.
func extractKeywords(content string) []string {
	if content == "" {
		return nil
	}
	var out []string
	tokens := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if len(tok) < minKeywordLen {
			continue
		}
		if _, skip := stopwords[tok]; skip {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func topKeywords(counts map[string]int, limit int) []string {
	if len(counts) == 0 {
		return nil
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// stopwords are common English words excluded from keyword extraction.
// Only words of minKeywordLen or more matter here.
var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {},
	"what": {}, "your": {}, "about": {}, "which": {}, "their": {},
	"will": {}, "would": {}, "there": {}, "been": {}, "were": {},
	"they": {}, "them": {}, "then": {}, "than": {}, "when": {},
	"where": {}, "while": {}, "just": {}, "like": {}, "some": {},
	"more": {}, "very": {}, "over": {}, "only": {}, "into": {},
	"also": {}, "because": {}, "could": {}, "should": {}, "after": {},
	"before": {}, "other": {}, "these": {}, "those": {}, "here": {},
	"does": {}, "doing": {}, "being": {}, "such": {}, "most": {},
	"much": {}, "many": {}, "well": {}, "even": {}, "still": {},
	"really": {}, "think": {}, "know": {}, "want": {}, "going": {},
	"yeah": {}, "okay": {}, "thanks": {}, "thank": {}, "please": {},
}
