package worldstate

import (
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/backoff"
	"github.com/corvid-labs/corvid/pkg/models"
)

const defaultMaxDecryptRetries = 5

// decryptRetryPolicy spaces out key re-requests: 1m doubling to 30m,
// no jitter, so due times stay deterministic across Due calls.
func decryptRetryPolicy() backoff.Policy {
	return backoff.Policy{
		Initial: time.Minute,
		Max:     30 * time.Minute,
		Factor:  2,
	}
}

// UndecryptableRegistry tracks chat events that failed to decrypt, so a
// periodic worker can re-request keys and retry with exponential backoff.
// Events are unique on (event, channel) and dropped once retries are
// exhausted or the event finally decrypts.
type UndecryptableRegistry struct {
	mu     sync.Mutex
	events map[string]*models.UndecryptableEvent
	policy backoff.Policy
}

// NewUndecryptableRegistry creates an empty registry using the decrypt
// retry schedule.
func NewUndecryptableRegistry() *UndecryptableRegistry {
	return &UndecryptableRegistry{
		events: make(map[string]*models.UndecryptableEvent),
		policy: decryptRetryPolicy(),
	}
}

// Track records a decryption failure. Re-reporting a tracked event is a
// no-op so retry counts survive duplicate failure callbacks.
func (r *UndecryptableRegistry) Track(eventID, channelID, sender string, now time.Time) {
	if eventID == "" || channelID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ev := &models.UndecryptableEvent{
		EventID:    eventID,
		ChannelID:  channelID,
		Sender:     sender,
		LastRetry:  now,
		MaxRetries: defaultMaxDecryptRetries,
	}
	if _, tracked := r.events[ev.Key()]; tracked {
		return
	}
	r.events[ev.Key()] = ev
}

// Restore re-registers a persisted event, keeping its retry progress.
// Used at startup to reload events recorded by a previous run.
func (r *UndecryptableRegistry) Restore(ev *models.UndecryptableEvent) {
	if ev == nil || ev.EventID == "" || ev.ChannelID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *ev
	if copied.MaxRetries <= 0 {
		copied.MaxRetries = defaultMaxDecryptRetries
	}
	if _, tracked := r.events[copied.Key()]; tracked {
		return
	}
	r.events[copied.Key()] = &copied
}

// Due returns copies of events whose next retry time has passed, oldest
// first.
func (r *UndecryptableRegistry) Due(now time.Time) []*models.UndecryptableEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.UndecryptableEvent
	for _, ev := range r.events {
		next := r.policy.NextAfter(ev.LastRetry, ev.RetryCount+1)
		if !next.After(now) {
			copied := *ev
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].LastRetry.Equal(due[j].LastRetry) {
			return due[i].LastRetry.Before(due[j].LastRetry)
		}
		return due[i].EventID < due[j].EventID
	})
	return due
}

// MarkRetried bumps the retry count after a retry attempt and reports
// whether the event is still tracked. Events that exhaust their retries
// are dropped.
func (r *UndecryptableRegistry) MarkRetried(eventID, channelID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventID + ":" + channelID
	ev, ok := r.events[key]
	if !ok {
		return false
	}
	ev.RetryCount++
	ev.LastRetry = now
	if ev.RetryCount >= ev.MaxRetries {
		delete(r.events, key)
		return false
	}
	return true
}

// Resolve drops an event that finally decrypted.
func (r *UndecryptableRegistry) Resolve(eventID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventID + ":" + channelID
	if _, ok := r.events[key]; !ok {
		return false
	}
	delete(r.events, key)
	return true
}

// Len returns how many events are being tracked.
func (r *UndecryptableRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
