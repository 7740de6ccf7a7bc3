package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/worldstate"
)

// statusReport mirrors the status server's /status response.
type statusReport struct {
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Agent         agentReport `json:"agent"`
}

type agentReport struct {
	Running              bool                  `json:"running"`
	CycleID              int64                 `json:"cycle_id"`
	LastCycleAt          time.Time             `json:"last_cycle_at"`
	World                worldstate.Stats      `json:"world"`
	RateLimits           ratelimit.Status      `json:"rate_limits"`
	Nodes                nodes.ExpansionStatus `json:"nodes"`
	Integrations         []integrations.Status `json:"integrations"`
	UndecryptablePending int                   `json:"undecryptable_pending"`
	HistoryQueueDepth    int                   `json:"history_queue_depth"`
}

type statusClient struct {
	baseURL    string
	httpClient *http.Client
}

func newStatusClient(baseURL string) *statusClient {
	return &statusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *statusClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running instance's status",
		Long: `Query the status server of a running corvid instance.

Shows the cycle counter, world-model size, rate-limit consumption,
node expansion state, and per-platform connection status.`,
		Example: `  # Local instance on the configured port
  corvid status

  # Remote instance, raw JSON for scripting
  corvid status --addr corvid.internal:8080 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), resolveConfigPath(configPath), addr, asJSON, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Status server address (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON report")

	return cmd
}

func runStatus(ctx context.Context, configPath, addr string, asJSON bool, out io.Writer) error {
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		addr = cfg.Status.Addr
	}
	baseURL := statusBaseURL(addr)
	client := newStatusClient(baseURL)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if asJSON {
		var raw json.RawMessage
		if err := client.getJSON(ctx, "/status", &raw); err != nil {
			return fmt.Errorf("is corvid running at %s? %w", baseURL, err)
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(out, buf.String())
		return nil
	}

	var report statusReport
	if err := client.getJSON(ctx, "/status", &report); err != nil {
		return fmt.Errorf("is corvid running at %s? %w", baseURL, err)
	}
	printStatus(out, &report)
	return nil
}

func printStatus(out io.Writer, report *statusReport) {
	agent := report.Agent

	fmt.Fprintln(out, "Corvid Status")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Version: %s\n", report.Version)
	fmt.Fprintf(out, "Uptime: %s\n", (time.Duration(report.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Running: %v\n", agent.Running)
	fmt.Fprintf(out, "Cycles: %d\n", agent.CycleID)
	if !agent.LastCycleAt.IsZero() {
		fmt.Fprintf(out, "Last cycle: %s ago\n", time.Since(agent.LastCycleAt).Round(time.Second))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Integrations")
	if len(agent.Integrations) == 0 {
		fmt.Fprintln(out, "   (none)")
	}
	for _, st := range agent.Integrations {
		line := fmt.Sprintf("   %-10s %s", st.Platform, st.State)
		if st.LastError != "" {
			line += " (" + st.LastError + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "World")
	fmt.Fprintf(out, "   Channels: %d\n", agent.World.Channels)
	fmt.Fprintf(out, "   Users: %d\n", agent.World.Users)
	fmt.Fprintf(out, "   Messages seen: %d\n", agent.World.SeenMessages)
	fmt.Fprintf(out, "   Actions recorded: %d\n", agent.World.ActionHistory)
	if agent.World.PendingInvites > 0 {
		fmt.Fprintf(out, "   Pending invites: %d\n", agent.World.PendingInvites)
	}
	if agent.UndecryptablePending > 0 {
		fmt.Fprintf(out, "   Awaiting decryption: %d\n", agent.UndecryptablePending)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Rate limits")
	cycles := agent.RateLimits.CyclesPerHour
	fmt.Fprintf(out, "   Cycles this hour: %d/%d\n", cycles.Used, cycles.Limit)
	fmt.Fprintf(out, "   Adaptive multiplier: %.1fx\n", agent.RateLimits.AdaptiveMultiplier)
	if agent.RateLimits.CooldownUntil != nil {
		fmt.Fprintf(out, "   Cooling down until: %s\n", agent.RateLimits.CooldownUntil.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Nodes")
	fmt.Fprintf(out, "   Expanded: %d/%d\n", len(agent.Nodes.Expanded), agent.Nodes.Capacity)
	fmt.Fprintf(out, "   Pinned: %d\n", len(agent.Nodes.Pinned))
	fmt.Fprintf(out, "   History queue depth: %d\n", agent.HistoryQueueDepth)
}

// statusBaseURL turns a listen address like ":8080" into a client URL.
func statusBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
