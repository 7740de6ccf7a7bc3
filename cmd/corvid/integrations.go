package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

// buildIntegrationsCmd creates the "integrations" command group.
func buildIntegrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Manage platform credentials",
		Long: `Store, inspect, and verify the credentials the agent uses to reach
Matrix and Farcaster.

Credentials are sealed with AES-256-GCM under the passphrase in
` + credentialsKeyEnv + `; they are never written to disk in the clear.`,
	}

	cmd.AddCommand(
		buildIntegrationsAddCmd(),
		buildIntegrationsListCmd(),
		buildIntegrationsRemoveCmd(),
		buildIntegrationsTestCmd(),
	)

	return cmd
}

func buildIntegrationsAddCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "add <matrix|farcaster>",
		Short: "Store credentials for a platform",
		Long: `Prompt for a platform's credentials and store them encrypted.

Secrets are read without echo when stdin is a terminal. Re-running the
command replaces the platform's stored credentials.`,
		Example: `  # Store a Matrix access token
  corvid integrations add matrix

  # Store the Farcaster API key and signer
  corvid integrations add farcaster`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsAdd(resolveConfigPath(configPath), args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runIntegrationsAdd(configPath, platform string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	credStore, err := openCredentialStore(cfg)
	if err != nil {
		return err
	}
	creds, err := credStore.Load()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	switch models.Platform(platform) {
	case models.PlatformMatrix:
		existing := creds.Matrix
		if existing == nil {
			existing = &integrations.MatrixCredentials{}
		}
		mc := &integrations.MatrixCredentials{
			Homeserver:  promptString(reader, "Homeserver URL", firstNonEmpty(existing.Homeserver, cfg.Integrations.Matrix.Homeserver)),
			UserID:      promptString(reader, "User ID (@bot:server)", firstNonEmpty(existing.UserID, cfg.Integrations.Matrix.UserID)),
			AccessToken: promptPassword(reader, "Access token"),
			DeviceID:    promptString(reader, "Device ID (blank for unencrypted rooms only)", firstNonEmpty(existing.DeviceID, cfg.Integrations.Matrix.DeviceID)),
		}
		if mc.AccessToken == "" {
			return corviderr.ErrValidation("access token is required", nil)
		}
		if mc.DeviceID != "" {
			mc.PickleKey = promptPassword(reader, "Pickle key (blank to disable encryption)")
		}
		creds.Matrix = mc

	case models.PlatformFarcaster:
		existing := creds.Farcaster
		if existing == nil {
			existing = &integrations.FarcasterCredentials{}
		}
		defaultFID := existing.FID
		if defaultFID == "" && cfg.Integrations.Farcaster.FID > 0 {
			defaultFID = strconv.FormatInt(cfg.Integrations.Farcaster.FID, 10)
		}
		fcr := &integrations.FarcasterCredentials{
			APIKey:     promptPassword(reader, "API key"),
			SignerUUID: promptPassword(reader, "Signer UUID"),
			FID:        promptString(reader, "FID", defaultFID),
			Username:   promptString(reader, "Username", existing.Username),
		}
		if fcr.APIKey == "" || fcr.SignerUUID == "" {
			return corviderr.ErrValidation("API key and signer UUID are required", nil)
		}
		creds.Farcaster = fcr

	default:
		return corviderr.ErrValidation(fmt.Sprintf("unknown platform %q; expected matrix or farcaster", platform), nil)
	}

	if err := credStore.Save(creds); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored %s credentials in %s\n", platform, cfg.Integrations.CredentialsPath)
	fmt.Fprintln(out, "Verify them with: corvid integrations test")
	return nil
}

func buildIntegrationsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored platform credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsList(resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runIntegrationsList(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	credStore, err := openCredentialStore(cfg)
	if err != nil {
		return err
	}
	creds, err := credStore.Load()
	if err != nil {
		return err
	}

	if creds.Matrix == nil && creds.Farcaster == nil {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	if creds.Matrix != nil {
		mode := "unencrypted rooms only"
		if creds.Matrix.PickleKey != "" {
			mode = "e2e encryption"
		}
		fmt.Fprintf(out, "matrix     %s on %s (%s, %s)\n",
			creds.Matrix.UserID, creds.Matrix.Homeserver,
			enabledWord(cfg.Integrations.Matrix.Enabled), mode)
	}
	if creds.Farcaster != nil {
		name := ""
		if creds.Farcaster.Username != "" {
			name = "@" + creds.Farcaster.Username + " "
		}
		fmt.Fprintf(out, "farcaster  %s(fid %s) (%s)\n",
			name, creds.Farcaster.FID,
			enabledWord(cfg.Integrations.Farcaster.Enabled))
	}
	return nil
}

func buildIntegrationsRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <matrix|farcaster>",
		Short: "Remove a platform's stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsRemove(resolveConfigPath(configPath), args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runIntegrationsRemove(configPath, platform string, out io.Writer) error {
	switch models.Platform(platform) {
	case models.PlatformMatrix, models.PlatformFarcaster:
	default:
		return corviderr.ErrValidation(fmt.Sprintf("unknown platform %q; expected matrix or farcaster", platform), nil)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	credStore, err := openCredentialStore(cfg)
	if err != nil {
		return err
	}
	creds, err := credStore.Load()
	if err != nil {
		return err
	}

	if !creds.Remove(models.Platform(platform)) {
		fmt.Fprintf(out, "No %s credentials stored.\n", platform)
		return nil
	}
	if err := credStore.Save(creds); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %s credentials.\n", platform)
	return nil
}

func buildIntegrationsTestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Verify stored credentials against the platforms",
		Long: `Run a connection test for every platform with stored credentials,
whether or not it is enabled in the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsTest(cmd.Context(), resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runIntegrationsTest(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	credStore, err := openCredentialStore(cfg)
	if err != nil {
		return err
	}
	creds, err := credStore.Load()
	if err != nil {
		return err
	}
	if len(creds.Platforms()) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	failed := false
	for _, platform := range creds.Platforms() {
		var (
			integ integrations.Integration
			err   error
		)
		switch platform {
		case models.PlatformMatrix:
			integ, err = newMatrixIntegration(cfg, creds.Matrix, slog.Default(), nil)
		case models.PlatformFarcaster:
			integ, err = newFarcasterIntegration(cfg, creds.Farcaster, slog.Default(), nil)
		}
		if err != nil {
			fmt.Fprintf(out, "%-10s error: %v\n", platform, err)
			failed = true
			continue
		}

		res := integ.TestConnection(ctx)
		if res.OK {
			fmt.Fprintf(out, "%-10s ok: %s (%s)\n", platform, res.Detail, res.Latency.Round(time.Millisecond))
		} else {
			fmt.Fprintf(out, "%-10s failed: %s\n", platform, res.Detail)
			failed = true
		}
	}

	if failed {
		return corviderr.ErrConnection("one or more integrations failed their connection test", nil)
	}
	return nil
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func promptString(reader *bufio.Reader, label string, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, _ := reader.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue
	}
	return text
}

// promptPassword prompts for a secret without showing input.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
