package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("SCRAPINIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("scrapinium")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".scrapinium"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.workers_per_browser", cfg.Engine.WorkersPerBrowser)
	v.SetDefault("engine.queue_size", cfg.Engine.QueueSize)
	v.SetDefault("engine.navigation_timeout", cfg.Engine.NavigationTimeout)
	v.SetDefault("engine.navigation_retries", cfg.Engine.NavigationRetries)
	v.SetDefault("engine.browser_wait_timeout", cfg.Engine.BrowserWaitTimeout)
	v.SetDefault("engine.max_cancellation_latency", cfg.Engine.MaxCancellationLatency)
	v.SetDefault("engine.allow_private_hosts", cfg.Engine.AllowPrivateHosts)

	v.SetDefault("browser.pool_size", cfg.Browser.PoolSize)
	v.SetDefault("browser.max_requests", cfg.Browser.MaxRequests)
	v.SetDefault("browser.max_age", cfg.Browser.MaxAge)
	v.SetDefault("browser.failure_threshold", cfg.Browser.FailureThreshold)
	v.SetDefault("browser.health_interval", cfg.Browser.HealthInterval)
	v.SetDefault("browser.shutdown_grace", cfg.Browser.ShutdownGrace)
	v.SetDefault("browser.stealth", cfg.Browser.Stealth)
	v.SetDefault("browser.stabilize_window", cfg.Browser.StabilizeWindow)

	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("cache.max_bytes", cfg.Cache.MaxBytes)
	v.SetDefault("cache.strategy", cfg.Cache.Strategy)
	v.SetDefault("cache.fast_ttl", cfg.Cache.FastTTL)
	v.SetDefault("cache.durable_ttl", cfg.Cache.DurableTTL)
	v.SetDefault("cache.llm_ttl", cfg.Cache.LLMTTL)
	v.SetDefault("cache.sweep_interval", cfg.Cache.SweepInterval)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.redis_timeout", cfg.Cache.RedisTimeout)
	v.SetDefault("cache.redis_key_prefix", cfg.Cache.RedisKeyPrefix)

	v.SetDefault("ratelimit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("ratelimit.default.per_minute", cfg.RateLimit.Default.PerMinute)
	v.SetDefault("ratelimit.default.per_hour", cfg.RateLimit.Default.PerHour)
	v.SetDefault("ratelimit.default.per_day", cfg.RateLimit.Default.PerDay)
	v.SetDefault("ratelimit.default.burst", cfg.RateLimit.Default.Burst)
	v.SetDefault("ratelimit.abuse_threshold", cfg.RateLimit.AbuseThreshold)
	v.SetDefault("ratelimit.abuse_deny_step", cfg.RateLimit.AbuseDenyStep)
	v.SetDefault("ratelimit.abuse_decay_rate", cfg.RateLimit.AbuseDecayRate)
	v.SetDefault("ratelimit.cooldown_period", cfg.RateLimit.CooldownPeriod)

	v.SetDefault("llm.enabled", cfg.LLM.Enabled)
	v.SetDefault("llm.provider", cfg.LLM.Provider)
	v.SetDefault("llm.endpoint", cfg.LLM.Endpoint)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.max_tokens", cfg.LLM.MaxTokens)
	v.SetDefault("llm.temperature", cfg.LLM.Temperature)
	v.SetDefault("llm.timeout", cfg.LLM.Timeout)
	v.SetDefault("llm.max_input", cfg.LLM.MaxInput)

	v.SetDefault("monitor.interval", cfg.Monitor.Interval)
	v.SetDefault("monitor.soft_limit_mb", cfg.Monitor.SoftLimitMB)
	v.SetDefault("monitor.hard_limit_mb", cfg.Monitor.HardLimitMB)
	v.SetDefault("monitor.trim_fraction", cfg.Monitor.TrimFraction)
	v.SetDefault("monitor.stale_browser", cfg.Monitor.StaleBrowser)
	v.SetDefault("monitor.trend_samples", cfg.Monitor.TrendSamples)

	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.mongo_collection", cfg.Storage.MongoCollection)
	v.SetDefault("storage.timeout", cfg.Storage.Timeout)
	v.SetDefault("storage.retention", cfg.Storage.Retention)

	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.read_timeout", cfg.API.ReadTimeout)
	v.SetDefault("api.write_timeout", cfg.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", cfg.API.ShutdownTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
