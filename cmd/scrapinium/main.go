package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2501Pr0ject/scrapinium/internal/api"
	"github.com/2501Pr0ject/scrapinium/internal/browser"
	"github.com/2501Pr0ject/scrapinium/internal/cache"
	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/llm"
	"github.com/2501Pr0ject/scrapinium/internal/monitor"
	"github.com/2501Pr0ject/scrapinium/internal/observability"
	"github.com/2501Pr0ject/scrapinium/internal/ratelimit"
	"github.com/2501Pr0ject/scrapinium/internal/scraper"
	"github.com/2501Pr0ject/scrapinium/internal/task"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scrapinium",
		Short: "Scrapinium — LLM-assisted web scraping service",
		Long: `Scrapinium is a web scraping service built around an asynchronous task
engine: a bounded headless-browser pool, a two-tier result cache, per-client
rate limiting, and optional LLM-powered content restructuring, exposed through
a JSON API with real-time progress tracking.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scraping service",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "API port (overrides config)")
	cmd.Flags().Int("pool-size", 0, "browser pool size (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.API.Port = port
	}
	if size, _ := cmd.Flags().GetInt("pool-size"); size > 0 {
		cfg.Browser.PoolSize = size
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger = applyLogConfig(cfg.Logging)

	logger.Info("scrapinium starting",
		"version", config.Version,
		"pool_size", cfg.Browser.PoolSize,
		"cache", cfg.Cache.Enabled,
		"llm", cfg.LLM.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// Cache tiers. A missing Redis degrades to fast-tier only.
	var tiered *cache.Tiered
	if cfg.Cache.Enabled {
		fast := cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes, cfg.Cache.Strategy, logger)
		fast.StartSweeper(cfg.Cache.SweepInterval)

		durable, err := cache.NewRedis(cache.RedisOptions{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			Timeout:   cfg.Cache.RedisTimeout,
			KeyPrefix: cfg.Cache.RedisKeyPrefix,
		}, logger)
		if err != nil {
			logger.Warn("durable cache tier unavailable, running fast-tier only", "error", err)
			durable = nil
		}
		tiered = cache.NewTiered(fast, durable, cfg.Cache.FastTTL, cfg.Cache.DurableTTL, logger)
	}

	// Task persistence. A missing Mongo disables durability but not the engine.
	var store task.Store
	if mongoStore, err := task.NewMongoStore(
		cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, cfg.Storage.MongoCollection,
		cfg.Storage.Timeout, logger,
	); err != nil {
		logger.Warn("task store unavailable, persistence disabled", "error", err)
	} else {
		store = mongoStore
		if _, err := mongoStore.FailInterrupted(ctx); err != nil {
			logger.Error("interrupted-task sweep failed", "error", err)
		}
	}

	tasks := task.NewManager(store, cfg.Storage.Retention, logger)
	tasks.StartSweeper(ctx, time.Minute)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	limiter.StartJanitor(ctx, time.Hour)

	pool := browser.New(cfg.Browser, browser.NewRodFactory(cfg.Browser, logger), logger)

	mon := monitor.New(cfg.Monitor, tiered, pool, metrics, logger)
	mon.Start(ctx)

	opts := []scraper.Option{scraper.WithBackPressure(mon)}
	if tiered != nil {
		opts = append(opts, scraper.WithCache(tiered))
	}
	if cfg.LLM.Enabled {
		var respCache llm.ResponseCache
		if tiered != nil {
			respCache = tiered
		}
		opts = append(opts, scraper.WithLLM(llm.New(cfg.LLM, respCache, cfg.Cache.LLMTTL, logger)))
	}

	service := scraper.New(cfg, tasks, limiter, pool, metrics, logger, opts...)
	service.Start()

	server := api.NewServer(cfg.API, service, tasks, mon, logger)
	server.Start()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", "error", err)
	}
	service.Shutdown()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown error", "error", err)
	}
	cancel()
	if tiered != nil {
		if err := tiered.Close(); err != nil {
			logger.Error("cache close error", "error", err)
		}
	}
	if store != nil {
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("store close error", "error", err)
		}
	}

	logger.Info("scrapinium stopped")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scrapinium %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// applyLogConfig rebuilds the logger once the config is known. The verbose
// flag still wins for level.
func applyLogConfig(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
