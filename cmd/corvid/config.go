package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(
		buildConfigValidateCmd(),
		buildConfigSchemaCmd(),
	)

	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report the effective settings",
		Long: `Parse the configuration file, apply environment overrides and defaults,
and run the same validation the agent runs at startup. Unknown YAML keys
are errors.`,
		Example: `  corvid config validate --config corvid.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runConfigValidate(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	source := configPath
	if source == "" {
		source = "environment and defaults"
	}
	fmt.Fprintf(out, "Configuration OK (%s)\n", source)
	fmt.Fprintf(out, "  agent:      %s\n", cfg.Agent.Name)
	fmt.Fprintf(out, "  provider:   %s (%s, summaries %s)\n", cfg.AI.Provider, cfg.AI.Model, cfg.AI.SummaryModel)
	fmt.Fprintf(out, "  cycle:      every %s, max %d/hour\n", cfg.Cycle.ObservationInterval, cfg.Cycle.MaxCyclesPerHour)
	fmt.Fprintf(out, "  matrix:     %s\n", enabledWord(cfg.Integrations.Matrix.Enabled))
	fmt.Fprintf(out, "  farcaster:  %s\n", enabledWord(cfg.Integrations.Farcaster.Enabled))
	fmt.Fprintf(out, "  database:   %s\n", cfg.History.DatabasePath)
	fmt.Fprintf(out, "  status:     %s\n", cfg.Status.Addr)
	return nil
}

func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Long: `Print the JSON Schema for corvid.yaml. Point your editor's YAML
language server at it for completion and inline validation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	return cmd
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}
