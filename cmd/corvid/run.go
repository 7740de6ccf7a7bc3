package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/decision"
	"github.com/corvid-labs/corvid/internal/history"
	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/internal/integrations/farcaster"
	"github.com/corvid-labs/corvid/internal/integrations/matrix"
	"github.com/corvid-labs/corvid/internal/media"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/orchestrator"
	"github.com/corvid-labs/corvid/internal/payload"
	"github.com/corvid-labs/corvid/internal/ratelimit"
	"github.com/corvid-labs/corvid/internal/statusserver"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/internal/worldstate"
)

// buildRunCmd creates the "run" command that starts the agent.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long: `Start the observation loop with all configured integrations.

The agent will:
1. Load configuration and open the history database
2. Connect the enabled platform integrations
3. Start the status server for health checks and metrics
4. Run perceive-decide-act cycles until interrupted

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Run with the default config
  corvid run

  # Run with an explicit config and debug logging
  corvid run --config /etc/corvid/corvid.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (default corvid.yaml when present)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runAgent wires every component and blocks until a shutdown signal.
func runAgent(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := config.EffectiveLogConfig(cfg)
	if debug {
		logCfg.Level = "debug"
	}
	logCfg.Output = os.Stderr
	obsLogger := observability.NewLogger(logCfg)
	logger := obsLogger.Slog()
	slog.SetDefault(logger)

	logger.Info("starting corvid",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
	)

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(config.EffectiveTraceConfig(cfg, version))
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: the store serves reads, the recorder absorbs writes
	// behind a queue so the loop never blocks on SQLite.
	store, err := history.Open(cfg.History.DatabasePath, logger, metrics)
	if err != nil {
		return err
	}
	defer store.Close()
	recorder := history.NewRecorder(store, cfg.History.QueueSize, logger, metrics)

	world := worldstate.NewStore(worldstate.Config{
		MessageCap: cfg.Retention.ConversationHistoryLength,
		ActionCap:  cfg.Retention.ActionHistoryLength,
	})
	world.SetChangeSink(recorder.RecordStateChange)

	nodeMgr := nodes.NewManager(nodes.ManagerConfig{
		MaxExpanded:   cfg.Nodes.MaxExpanded,
		DefaultPinned: cfg.Nodes.DefaultPinned,
	}, logger, metrics)
	restorePins(ctx, store, nodeMgr, logger)

	limiter := ratelimit.NewLimiter(config.EffectiveRateLimits(cfg))

	payloadCfg := payload.DefaultConfig()
	payloadCfg.MediaWindow = cfg.Media.RetainFor
	builder := payload.NewBuilder(payloadCfg, world, nodeMgr, limiter, logger, metrics)

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return err
	}
	executor := tools.NewExecutor(registry, limiter, recorder, logger, metrics)
	executor.SetTracer(tracer)

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}
	var dumper *decision.Dumper
	if cfg.Debug.DumpPayloads {
		dumper, err = decision.NewDumper(cfg.Debug.PayloadDumpDir, cfg.Debug.PayloadDumpMaxFiles, logger)
		if err != nil {
			return err
		}
	}
	decider := decision.NewService(provider, decision.Config{
		Model:        cfg.AI.Model,
		SummaryModel: cfg.AI.SummaryModel,
		Temperature:  float32(cfg.AI.Temperature),
		MaxTokens:    cfg.AI.MaxTokens,
		MaxActions:   cfg.AI.MaxActionsPerCycle,
	}, dumper, logger, metrics)

	mediaSvc, err := buildMedia(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	mgr, identity, err := buildIntegrations(cfg, logger, metrics)
	if err != nil {
		return err
	}

	persona := decision.Persona{
		Name:          cfg.Agent.Name,
		Bio:           cfg.Agent.Bio,
		Style:         cfg.Agent.Style,
		MatrixUserID:  identity.MatrixUserID,
		FarcasterName: identity.FarcasterUsername,
	}
	if identity.FarcasterFID != "" {
		if fid, err := strconv.ParseInt(identity.FarcasterFID, 10, 64); err == nil {
			persona.FarcasterFID = fid
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ObservationInterval:       cfg.Cycle.ObservationInterval,
		MinCycleInterval:          cfg.Cycle.MinCycleInterval,
		DrainTimeout:              cfg.Cycle.DrainTimeout,
		PreferNodeBased:           cfg.Nodes.PreferNodeBased,
		MaxTraditionalPayloadSize: cfg.Nodes.MaxTraditionalPayloadSize,
		EnableTwoPhase:            cfg.Nodes.EnableTwoPhase,
		MaxExplorationRounds:      cfg.Nodes.MaxExplorationRounds,
		SummaryWorkers:            cfg.Nodes.SummaryWorkers,
		SummaryTimeout:            cfg.AI.SummaryTimeout,
		DecisionTimeout:           cfg.AI.Timeout,
		IntegrationTimeout:        cfg.Integrations.Timeout,
		MaxActions:                cfg.AI.MaxActionsPerCycle,
		MediaRetainFor:            cfg.Media.RetainFor,
		DaysToKeep:                cfg.Retention.DaysToKeep,
		Persona:                   persona,
		Identity:                  identity,
	}, orchestrator.Deps{
		World:         world,
		Nodes:         nodeMgr,
		Builder:       builder,
		Limiter:       limiter,
		Decider:       decider,
		Executor:      executor,
		Registry:      registry,
		Integrations:  mgr,
		Recorder:      recorder,
		History:       store,
		Media:         mediaSvc,
		Undecryptable: worldstate.NewUndecryptableRegistry(),
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return err
	}

	statusSrv := statusserver.New(statusserver.Config{
		Addr:    cfg.Status.Addr,
		Version: version,
	}, func() any { return orch.StatusReport() }, logger)
	if err := statusSrv.Start(); err != nil {
		return err
	}

	if mgr != nil {
		if err := mgr.ConnectAll(ctx); err != nil {
			logger.Warn("some integrations failed to connect", "error", err)
		}
		if len(mgr.All()) > 0 && mgr.ConnectedCount() == 0 {
			return corviderr.ErrConnection("no integration came up; nothing to observe", nil)
		}
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	logger.Info("corvid started",
		"status_addr", cfg.Status.Addr,
		"integrations", connectedPlatforms(mgr),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reverse order: stop intake, drain the loop, then flush state.
	if mgr != nil {
		if err := mgr.DisconnectAll(shutdownCtx); err != nil {
			logger.Warn("integration disconnect error", "error", err)
		}
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn("orchestrator stop error", "error", err)
	}
	statusSrv.Stop(shutdownCtx)
	savePins(shutdownCtx, store, nodeMgr, logger)
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("history recorder close error", "error", err)
	}

	logger.Info("corvid stopped gracefully")
	return nil
}

// buildProvider selects the decision backend from config.
func buildProvider(cfg *config.Config, logger *slog.Logger) (decision.Provider, error) {
	switch cfg.AI.Provider {
	case "anthropic":
		return decision.NewAnthropicProvider(decision.AnthropicConfig{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.Endpoint,
		}, logger)
	default:
		return decision.NewOpenAIProvider(decision.OpenAIConfig{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.Endpoint,
		}, logger)
	}
}

// buildMedia wires the image generator and its optional S3 mirror.
// Returns nil when no generator is configured; the tools report that
// to the model instead of failing.
func buildMedia(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (tools.MediaService, error) {
	if cfg.Media.GeneratorAPIKey == "" {
		return nil, nil
	}

	var mirror media.Mirror
	if cfg.Media.S3Bucket != "" {
		s3m, err := media.NewS3Mirror(ctx, media.MirrorConfig{
			Bucket:        cfg.Media.S3Bucket,
			Region:        cfg.Media.S3Region,
			Prefix:        cfg.Media.S3Prefix,
			PublicBaseURL: cfg.Media.PublicBaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		mirror = s3m
	}

	return media.NewService(media.Config{
		Endpoint: cfg.Media.GeneratorEndpoint,
		APIKey:   cfg.Media.GeneratorAPIKey,
	}, mirror, logger, metrics)
}

// buildIntegrations constructs the enabled integrations from config plus
// the encrypted credential store, and derives the agent's own identity.
// Returns a nil manager when no platform is enabled.
func buildIntegrations(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*integrations.Manager, payload.Identity, error) {
	identity := payload.Identity{
		MatrixUserID: cfg.Integrations.Matrix.UserID,
	}
	if cfg.Integrations.Farcaster.FID > 0 {
		identity.FarcasterFID = strconv.FormatInt(cfg.Integrations.Farcaster.FID, 10)
	}

	if !cfg.Integrations.Matrix.Enabled && !cfg.Integrations.Farcaster.Enabled {
		return nil, identity, nil
	}

	credStore, err := openCredentialStore(cfg)
	if err != nil {
		return nil, identity, err
	}
	creds, err := credStore.Load()
	if err != nil {
		return nil, identity, err
	}

	mgr := integrations.NewManager(logger, metrics)

	if cfg.Integrations.Matrix.Enabled {
		if creds.Matrix == nil {
			return nil, identity, corviderr.ErrConfig("matrix is enabled but has no stored credentials; run `corvid integrations add matrix`", nil)
		}
		mi, err := newMatrixIntegration(cfg, creds.Matrix, logger, metrics)
		if err != nil {
			return nil, identity, err
		}
		if err := mgr.Register(mi); err != nil {
			return nil, identity, err
		}
		identity.MatrixUserID = firstNonEmpty(creds.Matrix.UserID, cfg.Integrations.Matrix.UserID)
	}

	if cfg.Integrations.Farcaster.Enabled {
		if creds.Farcaster == nil {
			return nil, identity, corviderr.ErrConfig("farcaster is enabled but has no stored credentials; run `corvid integrations add farcaster`", nil)
		}
		fi, err := newFarcasterIntegration(cfg, creds.Farcaster, logger, metrics)
		if err != nil {
			return nil, identity, err
		}
		if err := mgr.Register(fi); err != nil {
			return nil, identity, err
		}
		identity.FarcasterFID = effectiveFarcasterFID(cfg, creds.Farcaster)
		identity.FarcasterUsername = creds.Farcaster.Username
	}

	return mgr, identity, nil
}

// newMatrixIntegration builds the Matrix integration from stored
// credentials, with config filling public fields the store lacks.
func newMatrixIntegration(cfg *config.Config, creds *integrations.MatrixCredentials, logger *slog.Logger, metrics *observability.Metrics) (*matrix.Integration, error) {
	return matrix.New(matrix.Config{
		Homeserver:  firstNonEmpty(creds.Homeserver, cfg.Integrations.Matrix.Homeserver),
		UserID:      firstNonEmpty(creds.UserID, cfg.Integrations.Matrix.UserID),
		AccessToken: creds.AccessToken,
		DeviceID:    firstNonEmpty(creds.DeviceID, cfg.Integrations.Matrix.DeviceID),
		PickleKey:   creds.PickleKey,
		Logger:      logger,
	}, metrics)
}

// newFarcasterIntegration builds the Farcaster integration from stored
// credentials plus the config's observation settings.
func newFarcasterIntegration(cfg *config.Config, creds *integrations.FarcasterCredentials, logger *slog.Logger, metrics *observability.Metrics) (*farcaster.Integration, error) {
	return farcaster.New(farcaster.Config{
		APIKey:      creds.APIKey,
		SignerUUID:  creds.SignerUUID,
		FID:         effectiveFarcasterFID(cfg, creds),
		Username:    creds.Username,
		BaseURL:     cfg.Integrations.Farcaster.APIBase,
		StreamURL:   cfg.Integrations.Farcaster.StreamURL,
		Channels:    cfg.Integrations.Farcaster.Channels,
		HTTPTimeout: cfg.Integrations.Timeout,
		Logger:      logger,
	}, metrics)
}

func effectiveFarcasterFID(cfg *config.Config, creds *integrations.FarcasterCredentials) string {
	if creds.FID != "" {
		return creds.FID
	}
	if cfg.Integrations.Farcaster.FID > 0 {
		return strconv.FormatInt(cfg.Integrations.Farcaster.FID, 10)
	}
	return ""
}

// openCredentialStore opens the encrypted credentials file with the
// passphrase from the environment.
func openCredentialStore(cfg *config.Config) (*integrations.CredentialStore, error) {
	pass := os.Getenv(credentialsKeyEnv)
	if pass == "" {
		return nil, corviderr.ErrConfig(credentialsKeyEnv+" is not set; it protects the credentials file", nil)
	}
	return integrations.NewCredentialStore(cfg.Integrations.CredentialsPath, pass)
}

// pinnedNodesKey is the history config-table row holding persisted pins.
const pinnedNodesKey = "pinned_nodes"

// restorePins reapplies node pins persisted by the previous run.
func restorePins(ctx context.Context, store *history.Store, mgr *nodes.Manager, logger *slog.Logger) {
	raw, ok, err := store.ConfigGet(ctx, pinnedNodesKey)
	if err != nil {
		logger.Warn("pinned node restore failed", "error", err)
		return
	}
	if !ok {
		return
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		logger.Warn("pinned node restore failed", "error", err)
		return
	}
	mgr.RestorePins(paths)
}

// savePins persists the current pins so restarts keep the operator's
// node layout.
func savePins(ctx context.Context, store *history.Store, mgr *nodes.Manager, logger *slog.Logger) {
	raw, err := json.Marshal(mgr.Pins())
	if err != nil {
		return
	}
	if err := store.ConfigSet(ctx, pinnedNodesKey, string(raw)); err != nil {
		logger.Warn("pinned node save failed", "error", err)
	}
}

func connectedPlatforms(mgr *integrations.Manager) []string {
	if mgr == nil {
		return nil
	}
	var out []string
	for _, st := range mgr.Statuses() {
		if st.State == integrations.StateConnected {
			out = append(out, string(st.Platform))
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
