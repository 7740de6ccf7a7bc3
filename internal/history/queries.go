package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// GetRecentMessages returns the newest limit messages for a channel,
// newest first.
func (s *Store) GetRecentMessages(ctx context.Context, channelID string, platform models.Platform, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, id, channel_id, sender_id, sender_display, content,
		       reply_to, media_urls, metadata, from_self, ts
		FROM messages
		WHERE channel_id = ? AND platform = ?
		ORDER BY ts DESC
		LIMIT ?
	`, channelID, string(platform), limit)
	if err = s.observe("select", "messages", start, err); err != nil {
		return nil, corviderr.ErrPersistence("query messages", err).WithContext("channel_id", channelID)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, corviderr.ErrPersistence("scan message", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, corviderr.ErrPersistence("iterate messages", err)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg      models.Message
		platform string
		sender   sql.NullString
		display  sql.NullString
		content  sql.NullString
		replyTo  sql.NullString
		media    sql.NullString
		metadata sql.NullString
		fromSelf int
		ts       int64
	)
	if err := rows.Scan(
		&platform, &msg.ID, &msg.ChannelID, &sender, &display, &content,
		&replyTo, &media, &metadata, &fromSelf, &ts,
	); err != nil {
		return nil, err
	}
	msg.Platform = models.Platform(platform)
	msg.SenderID = sender.String
	msg.SenderDisplay = display.String
	msg.Content = content.String
	msg.ReplyTo = replyTo.String
	msg.FromSelf = fromSelf != 0
	msg.Timestamp = time.UnixMilli(ts)
	if err := scanJSON(media, &msg.MediaURLs); err != nil {
		return nil, err
	}
	if err := scanJSON(metadata, &msg.Metadata); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetRecentActions returns the newest limit action records, newest first.
// Empty kind or channelID skips that filter.
func (s *Store) GetRecentActions(ctx context.Context, limit int, kind, channelID string) ([]*models.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ts, kind, parameters, result, success, channel_id, platform,
		       reasoning, duration_ms
		FROM actions`
	var conds []string
	var args []any
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}
	if channelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, channelID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err = s.observe("select", "actions", start, err); err != nil {
		return nil, corviderr.ErrPersistence("query actions", err)
	}
	defer rows.Close()

	var out []*models.ActionRecord
	for rows.Next() {
		rec, err := scanActionRow(rows)
		if err != nil {
			return nil, corviderr.ErrPersistence("scan action", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, corviderr.ErrPersistence("iterate actions", err)
	}
	return out, nil
}

func scanActionRow(rows *sql.Rows) (*models.ActionRecord, error) {
	var (
		rec       models.ActionRecord
		ts        int64
		params    sql.NullString
		result    sql.NullString
		success   int
		channel   sql.NullString
		platform  sql.NullString
		reasoning sql.NullString
	)
	if err := rows.Scan(
		&rec.ID, &ts, &rec.ActionKind, &params, &result, &success,
		&channel, &platform, &reasoning, &rec.DurationMS,
	); err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(ts)
	rec.Success = success != 0
	rec.ChannelID = channel.String
	rec.Platform = models.Platform(platform.String)
	rec.Reasoning = reasoning.String
	if err := scanJSON(params, &rec.Parameters); err != nil {
		return nil, err
	}
	if err := scanJSON(result, &rec.Result); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecentStateChanges returns the newest limit blocks, newest first.
// Empty changeType skips that filter.
func (s *Store) GetRecentStateChanges(ctx context.Context, limit int, changeType string) ([]*models.StateChangeBlock, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ts, change_type, source, channel_id, platform, observations,
		       potential_actions, selected_actions, reasoning, raw_content, metadata
		FROM state_changes`
	var args []any
	if changeType != "" {
		query += " WHERE change_type = ?"
		args = append(args, changeType)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err = s.observe("select", "state_changes", start, err); err != nil {
		return nil, corviderr.ErrPersistence("query state changes", err)
	}
	defer rows.Close()

	var out []*models.StateChangeBlock
	for rows.Next() {
		block, err := scanStateChange(rows)
		if err != nil {
			return nil, corviderr.ErrPersistence("scan state change", err)
		}
		out = append(out, block)
	}
	if err := rows.Err(); err != nil {
		return nil, corviderr.ErrPersistence("iterate state changes", err)
	}
	return out, nil
}

func scanStateChange(rows *sql.Rows) (*models.StateChangeBlock, error) {
	var (
		block      models.StateChangeBlock
		ts         int64
		changeType string
		source     sql.NullString
		channel    sql.NullString
		platform   sql.NullString
		obs        sql.NullString
		potential  sql.NullString
		selected   sql.NullString
		reasoning  sql.NullString
		raw        sql.NullString
		metadata   sql.NullString
	)
	if err := rows.Scan(
		&block.ID, &ts, &changeType, &source, &channel, &platform, &obs,
		&potential, &selected, &reasoning, &raw, &metadata,
	); err != nil {
		return nil, err
	}
	block.Timestamp = time.UnixMilli(ts)
	block.ChangeType = models.ChangeType(changeType)
	block.Source = source.String
	block.ChannelID = channel.String
	block.Platform = models.Platform(platform.String)
	block.Observations = obs.String
	block.Reasoning = reasoning.String
	block.RawContent = raw.String
	if err := scanJSON(potential, &block.PotentialActions); err != nil {
		return nil, err
	}
	if err := scanJSON(selected, &block.SelectedActions); err != nil {
		return nil, err
	}
	if err := scanJSON(metadata, &block.Metadata); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetUserMemories returns the newest limit memories for a user, newest
// first. Empty kind skips that filter.
func (s *Store) GetUserMemories(ctx context.Context, userID string, platform models.Platform, kind string, limit int) ([]*models.UserMemory, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, ts, user_id, platform, kind, content, metadata
		FROM memories
		WHERE user_id = ? AND platform = ?`
	args := []any{userID, string(platform)}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err = s.observe("select", "memories", start, err); err != nil {
		return nil, corviderr.ErrPersistence("query memories", err).WithContext("user_id", userID)
	}
	defer rows.Close()

	var out []*models.UserMemory
	for rows.Next() {
		var (
			mem      models.UserMemory
			ts       int64
			plat     string
			memKind  sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&mem.ID, &ts, &mem.UserID, &plat, &memKind, &mem.Content, &metadata); err != nil {
			return nil, corviderr.ErrPersistence("scan memory", err)
		}
		mem.CreatedAt = time.UnixMilli(ts)
		mem.Platform = models.Platform(plat)
		mem.Kind = memKind.String
		if err := scanJSON(metadata, &mem.Metadata); err != nil {
			return nil, corviderr.ErrPersistence("scan memory metadata", err)
		}
		out = append(out, &mem)
	}
	if err := rows.Err(); err != nil {
		return nil, corviderr.ErrPersistence("iterate memories", err)
	}
	return out, nil
}

// LoadUndecryptable returns every tracked undecryptable event, for
// re-seeding the in-memory registry at startup.
func (s *Store) LoadUndecryptable(ctx context.Context) ([]*models.UndecryptableEvent, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, channel_id, sender, retry_count, last_retry, max_retries
		FROM undecryptable_events
		ORDER BY last_retry
	`)
	if err = s.observe("select", "undecryptable_events", start, err); err != nil {
		return nil, corviderr.ErrPersistence("query undecryptable events", err)
	}
	defer rows.Close()

	var out []*models.UndecryptableEvent
	for rows.Next() {
		var (
			ev     models.UndecryptableEvent
			sender sql.NullString
			retry  int64
		)
		if err := rows.Scan(&ev.EventID, &ev.ChannelID, &sender, &ev.RetryCount, &retry, &ev.MaxRetries); err != nil {
			return nil, corviderr.ErrPersistence("scan undecryptable event", err)
		}
		ev.Sender = sender.String
		ev.LastRetry = time.UnixMilli(retry)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, corviderr.ErrPersistence("iterate undecryptable events", err)
	}
	return out, nil
}

// TableCounts returns row counts per table for status reporting.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 5)
	for _, table := range []string{"state_changes", "messages", "actions", "memories", "undecryptable_events"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, corviderr.ErrPersistence("count rows", err).WithContext("table", table)
		}
		counts[table] = n
	}
	return counts, nil
}
