// Package main provides the corvid CLI: the agent process plus the
// operator commands around it.
//
// Corvid is an autonomous agent that observes Matrix rooms and Farcaster
// feeds, maintains a world model, and periodically asks an LLM what, if
// anything, is worth doing about it.
//
// # Basic Usage
//
// Run the agent:
//
//	corvid run --config corvid.yaml
//
// Store platform credentials (encrypted at rest):
//
//	corvid integrations add matrix
//	corvid integrations test
//
// Inspect a running instance:
//
//	corvid status
//
// Check a configuration file before deploying it:
//
//	corvid config validate --config corvid.yaml
//
// Work with the history database:
//
//	corvid export-training --out training.json --since 2026-01-01
//	corvid cleanup --days 30
//
// # Environment Variables
//
//   - CORVID_CONFIG: Path to configuration file (default: corvid.yaml)
//   - CORVID_CREDENTIALS_KEY: Passphrase protecting the credentials file
//   - API_KEY: Decision service API key
//   - AI_MODEL, AI_SUMMARY_MODEL, AI_ENDPOINT: Decision service selection
//   - DATABASE_PATH: History database location
//   - LOG_LEVEL, LOG_FORMAT: Logging overrides
//
// A .env file in the working directory is loaded into the environment
// before anything reads it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigFile is used when no --config flag or CORVID_CONFIG is set.
const defaultConfigFile = "corvid.yaml"

// credentialsKeyEnv holds the passphrase for the encrypted credentials
// file. It deliberately lives only in the environment, never in config.
const credentialsKeyEnv = "CORVID_CREDENTIALS_KEY"

func main() {
	// Structured JSON logging to stderr; the run command replaces this
	// with the configured logger once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Seed the environment from a local .env before config reads it.
	// Missing files are the normal case.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		if corviderr.Code(err) == corviderr.ErrCodeConfig {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can build the tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "corvid",
		Short: "Corvid - autonomous agent for Matrix and Farcaster",
		Long: `Corvid observes Matrix rooms and Farcaster feeds, keeps a world model,
and runs periodic decision cycles against an LLM to choose its actions.

Platforms: Matrix (encrypted rooms supported), Farcaster
Decision backends: OpenAI-compatible endpoints, Anthropic`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildExportTrainingCmd(),
		buildCleanupCmd(),
		buildIntegrationsCmd(),
		buildConfigCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

// resolveConfigPath picks the config file: the explicit flag, then
// CORVID_CONFIG, then corvid.yaml when one exists in the working
// directory. Empty means "environment and defaults only", which is
// enough for the read-only subcommands.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CORVID_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}
