package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// applyEnvOverrides applies the well-known environment variables on top of
// whatever the file provided. Only set, non-empty variables override.
func applyEnvOverrides(cfg *Config) error {
	cfg.Agent.Name = envString("AGENT_NAME", cfg.Agent.Name)
	cfg.Agent.Bio = envString("AGENT_BIO", cfg.Agent.Bio)
	cfg.AI.Model = envString("AI_MODEL", cfg.AI.Model)
	cfg.AI.SummaryModel = envString("AI_SUMMARY_MODEL", cfg.AI.SummaryModel)
	cfg.AI.Endpoint = envString("AI_ENDPOINT", cfg.AI.Endpoint)
	cfg.AI.APIKey = envString("API_KEY", cfg.AI.APIKey)
	cfg.Logging.Level = envString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envString("LOG_FORMAT", cfg.Logging.Format)
	cfg.History.DatabasePath = envString("DATABASE_PATH", cfg.History.DatabasePath)
	cfg.Debug.PayloadDumpDir = envString("AI_PAYLOAD_DUMP_DIRECTORY", cfg.Debug.PayloadDumpDir)
	cfg.Nodes.DefaultPinned = envStringList("DEFAULT_PINNED_NODES", cfg.Nodes.DefaultPinned)

	var err error
	if cfg.AI.MaxTokens, err = envInt("MAX_TOKENS", cfg.AI.MaxTokens); err != nil {
		return err
	}
	if cfg.AI.Temperature, err = envFloat("TEMPERATURE", cfg.AI.Temperature); err != nil {
		return err
	}
	if cfg.Cycle.ObservationInterval, err = envDuration("OBSERVATION_INTERVAL", cfg.Cycle.ObservationInterval); err != nil {
		return err
	}
	if cfg.Cycle.MaxCyclesPerHour, err = envInt("MAX_CYCLES_PER_HOUR", cfg.Cycle.MaxCyclesPerHour); err != nil {
		return err
	}
	if cfg.Cycle.MinCycleInterval, err = envDuration("MIN_CYCLE_INTERVAL", cfg.Cycle.MinCycleInterval); err != nil {
		return err
	}
	if cfg.Nodes.MaxExpanded, err = envInt("MAX_EXPANDED_NODES", cfg.Nodes.MaxExpanded); err != nil {
		return err
	}
	if cfg.Nodes.EnableTwoPhase, err = envBool("ENABLE_TWO_PHASE_AI_PROCESS", cfg.Nodes.EnableTwoPhase); err != nil {
		return err
	}
	if cfg.Nodes.MaxExplorationRounds, err = envInt("MAX_EXPLORATION_ROUNDS", cfg.Nodes.MaxExplorationRounds); err != nil {
		return err
	}
	if cfg.Nodes.MaxTraditionalPayloadSize, err = envInt("MAX_TRADITIONAL_PAYLOAD_SIZE", cfg.Nodes.MaxTraditionalPayloadSize); err != nil {
		return err
	}
	if cfg.Retention.ConversationHistoryLength, err = envInt("AI_CONVERSATION_HISTORY_LENGTH", cfg.Retention.ConversationHistoryLength); err != nil {
		return err
	}
	if cfg.Retention.ActionHistoryLength, err = envInt("AI_ACTION_HISTORY_LENGTH", cfg.Retention.ActionHistoryLength); err != nil {
		return err
	}
	if cfg.Debug.DumpPayloads, err = envBool("AI_DUMP_PAYLOADS_TO_FILE", cfg.Debug.DumpPayloads); err != nil {
		return err
	}
	if cfg.Debug.PayloadDumpMaxFiles, err = envInt("AI_PAYLOAD_DUMP_MAX_FILES", cfg.Debug.PayloadDumpMaxFiles); err != nil {
		return err
	}
	return nil
}

func envString(key, current string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return current
}

func envStringList(key string, current []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, current int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return current, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, corviderr.ErrConfig(fmt.Sprintf("invalid %s: %q", key, v), err)
	}
	return n, nil
}

func envFloat(key string, current float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return current, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, corviderr.ErrConfig(fmt.Sprintf("invalid %s: %q", key, v), err)
	}
	return f, nil
}

func envBool(key string, current bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return current, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, corviderr.ErrConfig(fmt.Sprintf("invalid %s: %q", key, v), err)
	}
	return b, nil
}

// envDuration accepts Go duration syntax ("90s", "2m") or a bare number of
// seconds.
func envDuration(key string, current time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return current, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, corviderr.ErrConfig(fmt.Sprintf("invalid %s: %q", key, v), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
