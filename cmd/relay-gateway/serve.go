// ABOUTME: The serve command: builds every component and runs the lifecycle
// ABOUTME: Config and adapter records decide which platform adapters come up

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/generate"
	"github.com/2389/relay-gateway/internal/lifecycle"
	"github.com/2389/relay-gateway/internal/platform/dingtalk"
	"github.com/2389/relay-gateway/internal/platform/matrix"
	"github.com/2389/relay-gateway/internal/runtime"
	"github.com/2389/relay-gateway/internal/status"
	"github.com/2389/relay-gateway/internal/stream"
	"github.com/2389/relay-gateway/internal/task"
)

// shutdownTimeout bounds graceful teardown after the stop signal.
const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:  %s\n", cfg.Generation.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Adapters: %s\n", cfg.AdaptersDir)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Status:   tailscale ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Status:   http://%s\n", cfg.Server.StatusAddr)
	}
	fmt.Println()

	logger.Info("starting relay-gateway", "config", configPath, "version", version)

	orch := lifecycle.NewOrchestrator(logger)

	// Stage: logging. The logger already exists; the stage marks it done so
	// status reporting shows the full sequence.
	orch.RegisterStageHandler(lifecycle.StageSetupLogging, func(ctx context.Context) error {
		logger.Info("logging configured", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
		return nil
	})

	// Stage: configuration. Adapter records load here so a broken record is
	// reported during startup, not on first message.
	records, recordErrs := config.LoadAdapters(cfg.AdaptersDir)
	orch.RegisterStageHandler(lifecycle.StageLoadConfiguration, func(ctx context.Context) error {
		for _, recErr := range recordErrs {
			logger.Warn("skipping adapter record", "error", recErr)
		}
		logger.Info("configuration loaded", "adapters", len(records))
		return nil
	})

	// Shared infrastructure.
	taskMgr := task.NewManager(logger)
	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	bus := events.NewBus(logger, cfg.Events.QueueSize)
	gen := buildGenerator(cfg, logger)

	orch.RegisterStageHandler(lifecycle.StageInitializeStorage, func(ctx context.Context) error {
		logger.Info("dedupe cache ready", "ttl", cfg.Dedupe.TTL, "max_size", cfg.Dedupe.MaxSize)
		return nil
	})
	// Registered early so reverse-order teardown closes them after the
	// adapters have stopped.
	if err := orch.RegisterComponent("dedupe-cache", &cacheComponent{cache}, lifecycle.StageInitializeStorage); err != nil {
		return err
	}
	if err := orch.RegisterComponent("task-manager", taskMgr, lifecycle.StageInitializeStorage); err != nil {
		return err
	}

	// Platform adapters.
	registry := runtime.NewRegistry(logger)
	for _, rec := range records {
		adapter, err := buildAdapter(cfg, rec, gen, cache, bus, logger)
		if err != nil {
			return err
		}
		ra := runtime.NewRuntimeAdapter(rec.ID, adapter, rec.Enabled, taskMgr, logger)
		if err := registry.Add(ra); err != nil {
			return fmt.Errorf("registering adapter %s: %w", rec.ID, err)
		}
	}

	// The bus must be consuming before adapters connect and publish.
	if err := orch.RegisterComponent("event-bus", bus, lifecycle.StageStartPlatformAdapters); err != nil {
		return err
	}
	if err := orch.RegisterComponent("adapters", &adapterStage{registry}, lifecycle.StageStartPlatformAdapters); err != nil {
		return err
	}

	supervisor := runtime.NewSupervisor(registry, taskMgr, logger, runtime.SupervisorOptions{
		CheckInterval: cfg.Supervisor.CheckInterval,
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		RestartWindow: cfg.Supervisor.RestartWindow,
	})
	if err := orch.RegisterComponent("supervisor", supervisor, lifecycle.StageStartEventProcessing); err != nil {
		return err
	}

	statusSrv := status.NewServer(cfg.Server.StatusAddr, status.TailscaleConfig{
		Enabled:   cfg.Tailscale.Enabled,
		Hostname:  cfg.Tailscale.Hostname,
		StateDir:  cfg.Tailscale.StateDir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}, status.Sources{
		Lifecycle: orch,
		Tasks:     taskMgr,
		Adapters:  registry,
		Bus:       bus,
	}, logger)
	if err := orch.RegisterComponent("status", statusSrv, lifecycle.StageStartEventProcessing); err != nil {
		return err
	}

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logger.Info("relay-gateway ready")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	return nil
}

// cacheComponent adapts the dedupe cache's Close to the lifecycle Stopper
// hook.
type cacheComponent struct {
	cache *dedupe.Cache
}

func (c *cacheComponent) Stop(ctx context.Context) error {
	c.cache.Close()
	return nil
}

// adapterStage ties the registry into one lifecycle component: initialize
// then start on the way up, stop on the way down.
type adapterStage struct {
	registry *runtime.Registry
}

func (a *adapterStage) Initialize(ctx context.Context) error {
	if err := a.registry.Initialize(ctx); err != nil {
		return err
	}
	return a.registry.Start(ctx)
}

func (a *adapterStage) Stop(ctx context.Context) error {
	return a.registry.Stop(ctx)
}

func buildGenerator(cfg *config.Config, logger *slog.Logger) *generate.Client {
	var opts []generate.Option
	if cfg.Generation.RequestTimeout > 0 {
		opts = append(opts, generate.WithRequestTimeout(cfg.Generation.RequestTimeout))
	}
	return generate.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey, logger, opts...)
}

// buildAdapter constructs the platform adapter for one record.
func buildAdapter(cfg *config.Config, rec config.AdapterRecord, gen *generate.Client, cache *dedupe.Cache, bus *events.Bus, logger *slog.Logger) (runtime.Adapter, error) {
	switch rec.Type {
	case config.AdapterTypeDingTalk:
		apiBase := rec.DingTalk.APIBase
		if apiBase == "" {
			apiBase = dingtalk.DefaultAPIBase
		}
		tokens := dingtalk.NewTokenSource(apiBase, rec.DingTalk.AppKey, rec.DingTalk.AppSecret)

		// With a card template configured, replies stream into AI cards;
		// otherwise they go out as plain webhook messages.
		var replier dingtalk.Replier
		if cfg.Streaming.CardTemplateID != "" {
			renderer := dingtalk.NewCardRenderer(apiBase, cfg.Streaming.CardTemplateID, tokens, logger)
			replier = stream.NewController(gen, renderer, cache, logger, stream.Options{
				MinChunkSize:      cfg.Streaming.MinChunkSize,
				MaxFlushInterval:  cfg.Streaming.MaxFlushInterval,
				UpdateDelay:       cfg.Streaming.UpdateDelay,
				CreateAttempts:    cfg.Streaming.CreateAttempts,
				MaxStreamDuration: cfg.Streaming.MaxDuration,
			})
		}

		client := dingtalk.NewClient(dingtalk.Config{
			ID:             rec.ID,
			AppKey:         rec.DingTalk.AppKey,
			AppSecret:      rec.DingTalk.AppSecret,
			APIBase:        apiBase,
			MaxConcurrency: rec.MaxConcurrency,
		}, tokens, replier, cache, bus, logger)
		client.SetAgentHandler(agentHandler(gen))
		return client, nil

	case config.AdapterTypeMatrix:
		client := matrix.NewClient(matrix.Config{
			ID:              rec.ID,
			Homeserver:      rec.Matrix.Homeserver,
			UserID:          rec.Matrix.UserID,
			AccessToken:     rec.Matrix.AccessToken,
			AllowedRooms:    rec.Matrix.AllowedRooms,
			CommandPrefix:   rec.Matrix.CommandPrefix,
			TypingIndicator: rec.Matrix.TypingIndicator,
			MaxConcurrency:  rec.MaxConcurrency,
		}, cache, bus, logger)
		client.SetAgentHandler(agentHandler(gen))
		return client, nil

	default:
		return nil, fmt.Errorf("adapter %s: unknown type %q", rec.ID, rec.Type)
	}
}

// agentHandler adapts the generation client to the runtime's handler shape.
func agentHandler(gen *generate.Client) runtime.AgentHandler {
	return func(ctx context.Context, message string, meta map[string]string) (string, error) {
		userKey := meta["sender_staff_id"]
		if userKey == "" {
			userKey = meta["sender"]
		}
		if userKey == "" {
			userKey = "anonymous"
		}
		return gen.Complete(ctx, message, userKey)
	}
}
