// Package main provides the scoutline binary entry point.
// Scoutline is a content-automation pipeline: it scrapes market signals,
// derives structured insights through a generation service, routes them
// through a quality gate, and sweeps the corpus for near-duplicates.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutline/pipeline/agent"
	"github.com/scoutline/pipeline/analysis"
	"github.com/scoutline/pipeline/config"
	"github.com/scoutline/pipeline/llm"
	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/ratelimit"
	"github.com/scoutline/pipeline/review"
	"github.com/scoutline/pipeline/scheduler"
	"github.com/scoutline/pipeline/scrape"
	"github.com/scoutline/pipeline/similarity"
	"github.com/scoutline/pipeline/store"
)

const (
	Version = "0.1.0"
	appName = "scoutline"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Content-automation pipeline",
		Long: `Scoutline collects raw market signals from configured sources,
derives structured insights with a generation service, routes every insight
through a human-review quality gate, and flags near-duplicate insights.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		runCmd(&configPath, &logLevel),
		scrapeCmd(&configPath, &logLevel),
		triggerCmd(&configPath, &logLevel),
		migrateCmd(&configPath, &logLevel),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	}
}

func migrateCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func scrapeCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scrape [source...]",
		Short: "Run a one-off collection pass for the named sources (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			prom := metrics.NewPrometheus()
			collector := scrape.NewCollector(st, prom, logger)
			for _, adapter := range buildAdapters(cfg, logger) {
				if len(args) > 0 && !contains(args, adapter.Source()) {
					continue
				}
				res, err := collector.Collect(cmd.Context(), adapter)
				if err != nil {
					logger.Error("collection failed", "source", adapter.Source(), "error", err)
					continue
				}
				logger.Info("collection finished",
					"source", adapter.Source(),
					"ingested", res.Ingested,
					"duplicates", res.Duplicates,
					"failed", res.Failed)
			}
			return nil
		},
	}
}

func triggerCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <agent>",
		Short: "Run one agent immediately, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			p, err := buildPipeline(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return p.scheduler.TriggerNow(cmd.Context(), args[0])
		},
	}
}

func runCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline daemon: scheduler, metrics endpoint, config watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if cfg.Metrics.Addr != "" {
				go serveMetrics(ctx, cfg.Metrics.Addr, p.prom, logger)
			}

			if *configPath != "" {
				watcher := config.NewWatcher(*configPath, logger, func(next *config.Config) {
					// Agent rows are live: new seeds are created right
					// away, and the dispatcher re-reads every row each
					// tick. Thresholds and source lists bind at
					// construction and take effect at the next restart.
					applyAgentSeeds(ctx, p.store, next, logger)
					logger.Info("configuration reloaded; agent seeds applied, component settings take effect at restart")
				})
				go func() {
					if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("config watcher stopped", "error", err)
					}
				}()
			}

			logger.Info("scoutline ready", "version", Version, "driver", cfg.Database.Driver)
			if err := p.scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// setup loads configuration and installs the process logger.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Database.Driver == "sqlite" {
		return store.OpenSQLite(cfg.Database.DSN)
	}
	return store.Open(cfg.Database.DSN)
}

// pipeline is the wired object graph behind the daemon subcommands.
type pipeline struct {
	store     *store.Store
	prom      *metrics.Prometheus
	scheduler *scheduler.Scheduler
}

// buildAdapters constructs the configured source adapters behind a shared
// rate limiter.
func buildAdapters(cfg *config.Config, logger *slog.Logger) []scrape.Adapter {
	limits := make(map[string]ratelimit.Config, len(cfg.Sources))
	for _, src := range cfg.Sources {
		limits[src.Name] = ratelimit.Config{
			MaxRequests: src.MaxRequests,
			Window:      time.Duration(src.WindowSeconds) * time.Second,
		}
	}
	limiter := ratelimit.New(limits)

	fetcher := scrape.NewFetcher(30*time.Second, 5<<20)
	converter := scrape.NewConverter()

	var adapters []scrape.Adapter
	for _, src := range cfg.Sources {
		adapters = append(adapters, scrape.NewArticleAdapter(src.Name, src.URLs, fetcher, converter, limiter, logger))
	}
	return adapters
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	prom := metrics.NewPrometheus()
	meter := metrics.NewCostMeter(prom)
	adapters := buildAdapters(cfg, logger)

	client, err := llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
	}, llm.WithSink(meter), llm.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	policy := analysis.DefaultRetryPolicy()
	if cfg.LLM.AttemptTimeout > 0 {
		policy.AttemptTimeout = cfg.LLM.AttemptTimeout
	}
	invoker := analysis.NewInvoker(client,
		analysis.WithRetryPolicy(policy),
		analysis.WithLogger(logger))

	gate := review.NewGate(st,
		review.WithThresholds(cfg.Review.AutoApproveThreshold, cfg.Review.AutoFlagThreshold),
		review.WithLogger(logger))

	detector := similarity.NewDetector(st,
		similarity.WithThresholds(similarity.Thresholds{
			Exact:    cfg.Similar.Exact,
			Near:     cfg.Similar.Near,
			Thematic: cfg.Similar.Thematic,
		}),
		similarity.WithLogger(logger))

	seeds := agentSeeds(cfg)

	insightAgent := agent.NewInsightAgent(agent.InsightAgentParams{
		Store:     st,
		Collector: scrape.NewCollector(st, prom, logger),
		Adapters:  adapters,
		Invoker:   invoker,
		Gate:      gate,
		Meter:     meter,
		Logger:    logger,
		Defaults:  seedFor(seeds, agent.InsightName, defaultInsightSeed(cfg)),
	})
	similarityAgent := agent.NewSimilarityAgent(detector,
		seedFor(seeds, agent.SimilarityName, defaultSimilaritySeed()), logger)

	sched := scheduler.New(st,
		scheduler.WithLogger(logger),
		scheduler.WithSink(prom),
		scheduler.WithTick(cfg.Scheduler.Tick))
	sched.Register(insightAgent)
	sched.Register(similarityAgent)

	return &pipeline{
		store:     st,
		prom:      prom,
		scheduler: sched,
	}, nil
}

// applyAgentSeeds creates configuration rows for agents that have none yet.
// Existing rows are left untouched: the database copy is authoritative once
// a row exists.
func applyAgentSeeds(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) {
	for _, seed := range agentSeeds(cfg) {
		if _, err := st.GetOrCreateAgentConfig(ctx, seed); err != nil {
			logger.Warn("agent seed apply failed", "agent", seed.Name, "error", err)
		}
	}
}

// agentSeeds indexes the YAML agent seeds by name.
func agentSeeds(cfg *config.Config) map[string]store.AgentConfig {
	seeds := make(map[string]store.AgentConfig, len(cfg.Agents))
	for _, seed := range cfg.Agents {
		enabled := true
		if seed.Enabled != nil {
			enabled = *seed.Enabled
		}
		model := seed.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		scheduleType := store.ScheduleType(seed.ScheduleType)
		if scheduleType == "" {
			scheduleType = store.ScheduleManual
		}
		seeds[seed.Name] = store.AgentConfig{
			Name:              seed.Name,
			Enabled:           enabled,
			Model:             model,
			Temperature:       seed.Temperature,
			MaxOutputTokens:   seed.MaxOutputTokens,
			RateLimitPerHour:  seed.RateLimitPerHour,
			CostLimitDailyUSD: seed.CostLimitDailyUSD,
			ScheduleType:      scheduleType,
			CronExpression:    seed.CronExpression,
			IntervalHours:     seed.IntervalHours,
		}
	}
	return seeds
}

func seedFor(seeds map[string]store.AgentConfig, name string, fallback store.AgentConfig) store.AgentConfig {
	if seed, ok := seeds[name]; ok {
		return seed
	}
	return fallback
}

func defaultInsightSeed(cfg *config.Config) store.AgentConfig {
	return store.AgentConfig{
		Name:            agent.InsightName,
		Enabled:         true,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		ScheduleType:    store.ScheduleInterval,
		IntervalHours:   1,
	}
}

func defaultSimilaritySeed() store.AgentConfig {
	return store.AgentConfig{
		Name:           agent.SimilarityName,
		Enabled:        true,
		ScheduleType:   store.ScheduleCron,
		CronExpression: "0 3 * * *",
	}
}

func serveMetrics(ctx context.Context, addr string, prom *metrics.Prometheus, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
