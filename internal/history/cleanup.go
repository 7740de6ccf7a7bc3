package history

import (
	"context"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// CleanupResult reports rows deleted per table.
type CleanupResult struct {
	StateChanges        int64 `json:"state_changes"`
	Messages            int64 `json:"messages"`
	Actions             int64 `json:"actions"`
	UndecryptableEvents int64 `json:"undecryptable_events"`
}

// Total returns the number of rows deleted across all tables.
func (c CleanupResult) Total() int64 {
	return c.StateChanges + c.Messages + c.Actions + c.UndecryptableEvents
}

// CleanupOldRecords deletes rows older than daysToKeep. Memories are
// exempt: they are long-term notes, not activity logs.
func (s *Store) CleanupOldRecords(ctx context.Context, daysToKeep int) (CleanupResult, error) {
	var result CleanupResult
	if daysToKeep <= 0 {
		return result, corviderr.ErrValidation("days_to_keep must be positive", nil)
	}

	cutoff := time.Now().AddDate(0, 0, -daysToKeep).UnixMilli()

	var err error
	if result.StateChanges, err = s.deleteBefore(ctx, "state_changes", "ts", cutoff); err != nil {
		return result, err
	}
	if result.Messages, err = s.deleteBefore(ctx, "messages", "ts", cutoff); err != nil {
		return result, err
	}
	if result.Actions, err = s.deleteBefore(ctx, "actions", "ts", cutoff); err != nil {
		return result, err
	}
	if result.UndecryptableEvents, err = s.deleteBefore(ctx, "undecryptable_events", "last_retry", cutoff); err != nil {
		return result, err
	}

	s.logger.Info("cleaned up old history records",
		"days_to_keep", daysToKeep, "deleted", result.Total())
	return result, nil
}

func (s *Store) deleteBefore(ctx context.Context, table, tsColumn string, cutoff int64) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+tsColumn+" < ?", cutoff)
	if err = s.observe("delete", table, start, err); err != nil {
		return 0, corviderr.ErrPersistence("delete old rows", err).WithContext("table", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, corviderr.ErrPersistence("count deleted rows", err).WithContext("table", table)
	}
	return n, nil
}
