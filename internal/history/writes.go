package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// RecordStateChange inserts one state-change block and returns its id.
func (s *Store) RecordStateChange(ctx context.Context, block *models.StateChangeBlock) (string, error) {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	if block.Timestamp.IsZero() {
		block.Timestamp = time.Now()
	}

	potential, err := jsonColumn(block.PotentialActions)
	if err != nil {
		return "", corviderr.ErrPersistence("encode potential_actions", err)
	}
	selected, err := jsonColumn(block.SelectedActions)
	if err != nil {
		return "", corviderr.ErrPersistence("encode selected_actions", err)
	}
	metadata, err := jsonColumn(block.Metadata)
	if err != nil {
		return "", corviderr.ErrPersistence("encode metadata", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_changes
			(id, ts, change_type, source, channel_id, platform, observations,
			 potential_actions, selected_actions, reasoning, raw_content, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		block.ID, block.Timestamp.UnixMilli(), string(block.ChangeType), block.Source,
		block.ChannelID, string(block.Platform), block.Observations,
		potential, selected, block.Reasoning, block.RawContent, metadata,
	)
	if err = s.observe("insert", "state_changes", start, err); err != nil {
		return "", corviderr.ErrPersistence("insert state change", err).WithContext("id", block.ID)
	}
	return block.ID, nil
}

// RecordMessage inserts one message. Re-offering a (platform, id) never
// duplicates the row; it rewrites content and metadata in place so late
// decrypts replace their placeholder.
func (s *Store) RecordMessage(ctx context.Context, msg *models.Message) error {
	media, err := jsonColumn(msg.MediaURLs)
	if err != nil {
		return corviderr.ErrPersistence("encode media_urls", err)
	}
	metadata, err := jsonColumn(msg.Metadata)
	if err != nil {
		return corviderr.ErrPersistence("encode metadata", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
			(platform, id, channel_id, sender_id, sender_display, content,
			 reply_to, media_urls, metadata, from_self, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, id) DO UPDATE SET
			content = excluded.content,
			media_urls = excluded.media_urls,
			metadata = excluded.metadata
	`,
		string(msg.Platform), msg.ID, msg.ChannelID, msg.SenderID, msg.SenderDisplay,
		msg.Content, msg.ReplyTo, media, metadata, boolInt(msg.FromSelf),
		msg.Timestamp.UnixMilli(),
	)
	if err = s.observe("insert", "messages", start, err); err != nil {
		return corviderr.ErrPersistence("insert message", err).WithContext("id", msg.ID)
	}
	return nil
}

// RecordAction inserts one executed action record.
func (s *Store) RecordAction(ctx context.Context, rec *models.ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	params, err := jsonColumn(rec.Parameters)
	if err != nil {
		return corviderr.ErrPersistence("encode parameters", err)
	}
	result, err := jsonColumn(rec.Result)
	if err != nil {
		return corviderr.ErrPersistence("encode result", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions
			(id, ts, kind, parameters, result, success, channel_id, platform,
			 reasoning, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.ActionKind, params, result,
		boolInt(rec.Success), rec.ChannelID, string(rec.Platform),
		rec.Reasoning, rec.DurationMS,
	)
	if err = s.observe("insert", "actions", start, err); err != nil {
		return corviderr.ErrPersistence("insert action", err).WithContext("kind", rec.ActionKind)
	}
	return nil
}

// StoreMemory inserts a user memory and returns its id.
func (s *Store) StoreMemory(ctx context.Context, mem *models.UserMemory) (string, error) {
	if mem.UserID == "" || mem.Content == "" {
		return "", corviderr.ErrValidation("memory requires user_id and content", nil)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}

	metadata, err := jsonColumn(mem.Metadata)
	if err != nil {
		return "", corviderr.ErrPersistence("encode metadata", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, ts, user_id, platform, kind, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		mem.ID, mem.CreatedAt.UnixMilli(), mem.UserID, string(mem.Platform),
		mem.Kind, mem.Content, metadata,
	)
	if err = s.observe("insert", "memories", start, err); err != nil {
		return "", corviderr.ErrPersistence("insert memory", err).WithContext("user_id", mem.UserID)
	}
	return mem.ID, nil
}

// UpsertUndecryptable persists retry state for an undecryptable event.
func (s *Store) UpsertUndecryptable(ctx context.Context, ev *models.UndecryptableEvent) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO undecryptable_events
			(event_id, channel_id, sender, retry_count, last_retry, max_retries)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, channel_id) DO UPDATE SET
			retry_count = excluded.retry_count,
			last_retry = excluded.last_retry
	`,
		ev.EventID, ev.ChannelID, ev.Sender, ev.RetryCount,
		ev.LastRetry.UnixMilli(), ev.MaxRetries,
	)
	if err = s.observe("insert", "undecryptable_events", start, err); err != nil {
		return corviderr.ErrPersistence("upsert undecryptable event", err).WithContext("event_id", ev.EventID)
	}
	return nil
}

// DeleteUndecryptable removes an event that decrypted or exhausted its
// retries.
func (s *Store) DeleteUndecryptable(ctx context.Context, eventID, channelID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM undecryptable_events WHERE event_id = ? AND channel_id = ?`,
		eventID, channelID,
	)
	if err = s.observe("delete", "undecryptable_events", start, err); err != nil {
		return corviderr.ErrPersistence("delete undecryptable event", err).WithContext("event_id", eventID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
