package worldstate

import (
	"sort"

	"github.com/corvid-labs/corvid/pkg/models"
)

// maxThreadHops bounds the reply-chain walk so malformed reply cycles
// cannot spin the store.
const maxThreadHops = 50

// Thread reconstructs the reply chain containing the given message from
// the channel's in-memory ring. It returns nil when the message is no
// longer held. The root may itself have been evicted; its ID still anchors
// the thread so siblings keep grouping together.
func (s *Store) Thread(platform models.Platform, channelID, messageID string) *models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelKey(platform, channelID)]
	if !ok {
		return nil
	}

	byID := make(map[string]*models.Message, len(ch.RecentMessages))
	for _, m := range ch.RecentMessages {
		byID[m.ID] = m
	}
	start, ok := byID[messageID]
	if !ok {
		return nil
	}

	rootID := rootIDOf(start, byID)
	thread := &models.Thread{RootID: rootID}
	for _, m := range ch.RecentMessages {
		if rootIDOf(m, byID) == rootID {
			thread.Messages = append(thread.Messages, cloneMessage(m))
		}
	}
	sort.Slice(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].Timestamp.Before(thread.Messages[j].Timestamp)
	})
	return thread
}

func rootIDOf(m *models.Message, byID map[string]*models.Message) string {
	cur := m
	for hops := 0; hops < maxThreadHops; hops++ {
		if cur.ReplyTo == "" {
			return cur.ID
		}
		parent, ok := byID[cur.ReplyTo]
		if !ok {
			return cur.ReplyTo
		}
		cur = parent
	}
	return cur.ID
}
