package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// ExportOptions selects the time range and output of a training export.
type ExportOptions struct {
	// Start bounds the range from below; zero means from the beginning.
	Start time.Time
	// End bounds the range from above; zero means now.
	End time.Time
	// Format is "json" (one document, all tables) or "jsonl" (one
	// state-change block per line). Defaults to json.
	Format string
	// OutputPath writes the export to a file when non-empty.
	OutputPath string
}

// Export is the training-data document.
type Export struct {
	ExportedAt   time.Time                  `json:"exported_at"`
	Start        time.Time                  `json:"start,omitempty"`
	End          time.Time                  `json:"end"`
	StateChanges []*models.StateChangeBlock `json:"state_changes"`
	Messages     []*models.Message          `json:"messages"`
	Actions      []*models.ActionRecord     `json:"actions"`
}

// ExportForTraining collects state changes, messages, and actions in the
// requested range, oldest first, and optionally writes them to a file.
func (s *Store) ExportForTraining(ctx context.Context, opts ExportOptions) (*Export, error) {
	switch opts.Format {
	case "", "json", "jsonl":
	default:
		return nil, corviderr.ErrValidation("export format must be json or jsonl", nil).
			WithContext("format", opts.Format)
	}
	if opts.End.IsZero() {
		opts.End = time.Now()
	}

	export := &Export{
		ExportedAt:   time.Now(),
		Start:        opts.Start,
		End:          opts.End,
		StateChanges: []*models.StateChangeBlock{},
		Messages:     []*models.Message{},
		Actions:      []*models.ActionRecord{},
	}

	startMs := int64(0)
	if !opts.Start.IsZero() {
		startMs = opts.Start.UnixMilli()
	}
	endMs := opts.End.UnixMilli()

	if err := s.exportStateChanges(ctx, startMs, endMs, export); err != nil {
		return nil, err
	}
	if err := s.exportMessages(ctx, startMs, endMs, export); err != nil {
		return nil, err
	}
	if err := s.exportActions(ctx, startMs, endMs, export); err != nil {
		return nil, err
	}

	if opts.OutputPath != "" {
		if err := writeExport(opts.OutputPath, opts.Format, export); err != nil {
			return nil, err
		}
	}
	return export, nil
}

func (s *Store) exportStateChanges(ctx context.Context, startMs, endMs int64, export *Export) error {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, change_type, source, channel_id, platform, observations,
		       potential_actions, selected_actions, reasoning, raw_content, metadata
		FROM state_changes
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts
	`, startMs, endMs)
	if err = s.observe("select", "state_changes", start, err); err != nil {
		return corviderr.ErrPersistence("export state changes", err)
	}
	defer rows.Close()

	for rows.Next() {
		block, err := scanStateChange(rows)
		if err != nil {
			return corviderr.ErrPersistence("scan state change", err)
		}
		export.StateChanges = append(export.StateChanges, block)
	}
	return rows.Err()
}

func (s *Store) exportMessages(ctx context.Context, startMs, endMs int64, export *Export) error {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, id, channel_id, sender_id, sender_display, content,
		       reply_to, media_urls, metadata, from_self, ts
		FROM messages
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts
	`, startMs, endMs)
	if err = s.observe("select", "messages", start, err); err != nil {
		return corviderr.ErrPersistence("export messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return corviderr.ErrPersistence("scan message", err)
		}
		export.Messages = append(export.Messages, msg)
	}
	return rows.Err()
}

func (s *Store) exportActions(ctx context.Context, startMs, endMs int64, export *Export) error {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, kind, parameters, result, success, channel_id, platform,
		       reasoning, duration_ms
		FROM actions
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts
	`, startMs, endMs)
	if err = s.observe("select", "actions", start, err); err != nil {
		return corviderr.ErrPersistence("export actions", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanActionRow(rows)
		if err != nil {
			return corviderr.ErrPersistence("scan action", err)
		}
		export.Actions = append(export.Actions, rec)
	}
	return rows.Err()
}

func writeExport(path, format string, export *Export) error {
	f, err := os.Create(path)
	if err != nil {
		return corviderr.ErrPersistence("create export file", err).WithContext("path", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if format == "jsonl" {
		enc := json.NewEncoder(w)
		for _, block := range export.StateChanges {
			if err := enc.Encode(block); err != nil {
				return corviderr.ErrPersistence("encode export line", err)
			}
		}
	} else {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(export); err != nil {
			return corviderr.ErrPersistence("encode export", err)
		}
	}
	if err := w.Flush(); err != nil {
		return corviderr.ErrPersistence("flush export file", err).WithContext("path", path)
	}
	return nil
}
