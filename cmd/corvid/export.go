package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/history"
)

// buildExportTrainingCmd creates the "export-training" command.
func buildExportTrainingCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
		since      string
		until      string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "export-training",
		Short: "Export history as training data",
		Long: `Export state changes, messages, and actions from the history database.

The json format writes one document with all three tables; jsonl writes
one state-change block per line, which is what most fine-tuning
pipelines ingest directly.`,
		Example: `  # Everything, as one JSON document
  corvid export-training --out training.json

  # State changes only, one per line, since March
  corvid export-training --out changes.jsonl --format jsonl --since 2026-03-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExportTraining(cmd.Context(), resolveConfigPath(configPath), outPath, since, until, format)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file path (required)")
	cmd.Flags().StringVar(&since, "since", "", "Start of the range (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "End of the range (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&format, "format", "json", `Output format: "json" or "jsonl"`)
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runExportTraining(ctx context.Context, configPath, outPath, since, until, format string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	opts := history.ExportOptions{
		Format:     format,
		OutputPath: outPath,
	}
	if opts.Start, err = parseTimeFlag(since); err != nil {
		return err
	}
	if opts.End, err = parseTimeFlag(until); err != nil {
		return err
	}

	store, err := history.Open(cfg.History.DatabasePath, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	export, err := store.ExportForTraining(ctx, opts)
	if err != nil {
		return err
	}

	slog.Info("training export written",
		"path", outPath,
		"format", format,
		"state_changes", len(export.StateChanges),
		"messages", len(export.Messages),
		"actions", len(export.Actions),
	)
	return nil
}

// buildCleanupCmd creates the "cleanup" command.
func buildCleanupCmd() *cobra.Command {
	var (
		configPath string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete history older than a cutoff",
		Long: `Delete state changes, messages, actions, and stale undecryptable
events older than the cutoff. Stored memories are kept regardless of age.`,
		Example: `  # Keep the last 30 days
  corvid cleanup --days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), resolveConfigPath(configPath), days)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&days, "days", 0, "Delete records older than this many days (default retention.days_to_keep)")

	return cmd
}

func runCleanup(ctx context.Context, configPath string, days int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if days <= 0 {
		days = cfg.Retention.DaysToKeep
	}

	store, err := history.Open(cfg.History.DatabasePath, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.CleanupOldRecords(ctx, days)
	if err != nil {
		return err
	}

	slog.Info("history cleanup finished",
		"days_kept", days,
		"state_changes", res.StateChanges,
		"messages", res.Messages,
		"actions", res.Actions,
		"undecryptable_events", res.UndecryptableEvents,
		"total", res.Total(),
	)
	return nil
}

// parseTimeFlag accepts RFC 3339 or a bare date.
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, corviderr.ErrValidation(fmt.Sprintf("cannot parse time %q; use RFC 3339 or YYYY-MM-DD", s), nil)
}
