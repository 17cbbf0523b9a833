package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nugget/concierge/internal/agent"
	"github.com/nugget/concierge/internal/api"
	"github.com/nugget/concierge/internal/buildinfo"
	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/connwatch"
	"github.com/nugget/concierge/internal/database"
	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/ledger"
	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/orchestrator"
	"github.com/nugget/concierge/internal/persona"
	"github.com/nugget/concierge/internal/pricing"
	"github.com/nugget/concierge/internal/sessionlock"
	"github.com/nugget/concierge/internal/tools"
	"github.com/nugget/concierge/internal/tracing"
	"github.com/nugget/concierge/internal/usage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives. In-flight turns see the shutdown as a client
// disconnect, so usage they already consumed is still written to the
// ledger before the server exits.
func runServe(ctx context.Context, opts *options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configLogger(opts.stdout, cfg)
	logger.Info("starting Concierge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Tracing ---
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_rate", cfg.Tracing.SampleRate)
	}

	// --- Storage ---
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "driver", cfg.Database.Driver)

	messages, err := memory.NewStore(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("create message store: %w", err)
	}
	requests, err := usage.NewStore(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("create usage store: %w", err)
	}

	bus := events.New()
	writer := ledger.NewWriter(db, requests, messages, bus, logger)

	// --- Pricing ---
	resolver := pricing.NewResolver(nil, logger)
	refresher := pricing.NewRefresher(resolver, func(context.Context) (*pricing.Table, error) {
		return loadPriceTable(cfg)
	}, cfg.Pricing.RefreshInterval, logger)
	if err := refresher.Refresh(ctx); err != nil {
		return err
	}
	go refresher.Run(ctx)

	// --- Model providers ---
	llmClient, providers := createLLMClient(cfg, logger)
	warnUnpriced(cfg, resolver.Table(), logger)

	watcher := connwatch.NewManager(logger)
	for name, client := range providers {
		watcher.Watch(ctx, name, client.Ping, connwatch.BackoffConfig{})
	}

	// --- Tools ---
	registry := createToolRegistry(cfg, requests, logger)
	logger.Info("tools registered", "tools", registry.Names())

	// --- Session locks ---
	var locks sessionlock.Locker = sessionlock.NewLocal()
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		pcancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locks = sessionlock.NewRedis(rdb, sessionlock.DefaultPrefix, cfg.Redis.LockTTL, logger)
		logger.Info("distributed session locks enabled", "addr", cfg.Redis.Addr)
	}

	// --- Turn execution ---
	personas := persona.NewLoader(cfg.PersonasDir)
	if ids, err := personas.List(); err != nil {
		logger.Warn("failed to list personas", "error", err)
	} else {
		logger.Info("personas available", "personas", ids, "dir", cfg.PersonasDir)
	}

	executor := agent.NewExecutor(llmClient, agent.Config{
		MaxRounds:    cfg.Turn.MaxToolRounds,
		RetryBackoff: cfg.Turn.RetryBackoff,
		DrainTimeout: cfg.Turn.DrainTimeout,
	}, bus, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Messages:     messages,
		Requests:     requests,
		Ledger:       writer,
		Personas:     personas,
		Tools:        registry,
		Executor:     executor,
		Pricing:      resolver,
		Locks:        locks,
		Bus:          bus,
		Logger:       logger,
		DefaultModel: cfg.Models.Default,
		ProviderFor:  llmClient.ProviderFor,
	})

	// --- Event publishing ---
	var forwarder *events.Forwarder
	if cfg.MQTT.Configured() {
		forwarder = events.NewForwarder(cfg.MQTT, bus, logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder stopped", "error", err)
			}
		}()
		logger.Info("mqtt event publishing enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, bus, logger)
	if cfg.Metrics.Enabled {
		server.SetMetricsPath(cfg.Metrics.Path)
	}
	server.SetHealthCheck(func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	})
	server.SetServiceStatus(watcher.Status)
	server.SetReconciler(orch)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		// Publish MQTT offline status before disconnecting.
		if forwarder != nil {
			if err := forwarder.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}

	logger.Info("Concierge stopped")
	return nil
}

// loadPriceTable reads the configured price file and overlays the
// inline entries. With no file the inline entries are the whole table.
func loadPriceTable(cfg *config.Config) (*pricing.Table, error) {
	inline, err := pricing.FromConfig(cfg.Pricing.Models)
	if err != nil {
		return nil, fmt.Errorf("inline pricing: %w", err)
	}
	if cfg.Pricing.File == "" {
		return inline, nil
	}
	file, err := pricing.LoadFile(cfg.Pricing.File)
	if err != nil {
		return nil, err
	}
	return pricing.Merge(file, inline), nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration, returning it with the configured providers by name.
// Each model listed in config is mapped to its provider. Unlisted
// models fall through to Anthropic when it is configured and to the
// OpenAI-compatible endpoint otherwise.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, map[string]llm.Client) {
	providers := make(map[string]llm.Client)
	fallback := "anthropic"
	if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.Configured() {
		fallback = "openai"
	}
	multi := llm.NewMultiClient(fallback)

	if cfg.Providers.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, "", logger)
	}
	if cfg.Providers.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.APIKey, logger)
	}
	for name, client := range providers {
		multi.AddProvider(name, client)
		logger.Info("provider configured", "provider", name)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	if multi.ProviderFor(cfg.Models.Default) == "" {
		logger.Warn("no provider can serve the default model", "model", cfg.Models.Default)
	}
	return multi, providers
}

// warnUnpriced flags configured models the price table cannot cost.
// Their turns are still billed when the provider reports cost inline;
// otherwise they land in the ledger as unknown.
func warnUnpriced(cfg *config.Config, table *pricing.Table, logger *slog.Logger) {
	models := []string{cfg.Models.Default}
	for _, m := range cfg.Models.Available {
		models = append(models, m.Name)
	}
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, ok := table.Lookup(m); !ok {
			logger.Warn("model has no price table entry", "model", m)
		}
	}
}

// createToolRegistry registers every tool the deployment can serve.
// Personas narrow this set with their allow-lists.
func createToolRegistry(cfg *config.Config, requests *usage.Store, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()
	if cfg.Directory.BaseURL != "" {
		registry.RegisterDirectory(tools.NewRemoteDirectory(cfg.Directory.BaseURL, cfg.Directory.APIKey, logger))
	}
	registry.RegisterCostSummary(requests)
	return registry
}
