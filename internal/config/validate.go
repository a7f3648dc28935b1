package config

import (
	"fmt"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Engine.WorkersPerBrowser < 1 {
		return fmt.Errorf("engine.workers_per_browser must be >= 1, got %d", cfg.Engine.WorkersPerBrowser)
	}
	if cfg.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be >= 1, got %d", cfg.Engine.QueueSize)
	}
	if cfg.Engine.NavigationTimeout <= 0 {
		return fmt.Errorf("engine.navigation_timeout must be > 0")
	}
	if cfg.Engine.NavigationRetries < 0 {
		return fmt.Errorf("engine.navigation_retries must be >= 0")
	}
	if cfg.Engine.BrowserWaitTimeout <= 0 {
		return fmt.Errorf("engine.browser_wait_timeout must be > 0")
	}
	if cfg.Engine.MaxCancellationLatency <= 0 {
		return fmt.Errorf("engine.max_cancellation_latency must be > 0")
	}

	if cfg.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be >= 1, got %d", cfg.Browser.PoolSize)
	}
	if cfg.Browser.PoolSize > 32 {
		return fmt.Errorf("browser.pool_size must be <= 32, got %d", cfg.Browser.PoolSize)
	}
	if cfg.Browser.FailureThreshold < 1 {
		return fmt.Errorf("browser.failure_threshold must be >= 1")
	}
	if cfg.Browser.HealthInterval <= 0 {
		return fmt.Errorf("browser.health_interval must be > 0")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.MaxEntries < 1 {
			return fmt.Errorf("cache.max_entries must be >= 1")
		}
		if cfg.Cache.MaxBytes < 1 {
			return fmt.Errorf("cache.max_bytes must be >= 1")
		}
		switch cfg.Cache.Strategy {
		case "lru", "ttl", "hybrid", "smart":
		default:
			return fmt.Errorf("cache.strategy must be lru/ttl/hybrid/smart, got %q", cfg.Cache.Strategy)
		}
	}

	if cfg.RateLimit.Enabled {
		if err := validateRule("ratelimit.default", cfg.RateLimit.Default); err != nil {
			return err
		}
		for name, rule := range cfg.RateLimit.Endpoints {
			if err := validateRule("ratelimit.endpoints."+name, rule); err != nil {
				return err
			}
		}
		if cfg.RateLimit.AbuseThreshold <= 0 {
			return fmt.Errorf("ratelimit.abuse_threshold must be > 0")
		}
		if cfg.RateLimit.AbuseDecayRate < 0 {
			return fmt.Errorf("ratelimit.abuse_decay_rate must be >= 0")
		}
	}

	if cfg.LLM.Enabled {
		switch cfg.LLM.Provider {
		case "ollama", "openai", "custom":
		default:
			return fmt.Errorf("llm.provider must be ollama/openai/custom, got %q", cfg.LLM.Provider)
		}
		if cfg.LLM.Timeout <= 0 {
			return fmt.Errorf("llm.timeout must be > 0")
		}
	}

	if cfg.Monitor.SoftLimitMB < 1 {
		return fmt.Errorf("monitor.soft_limit_mb must be >= 1")
	}
	if cfg.Monitor.HardLimitMB < cfg.Monitor.SoftLimitMB {
		return fmt.Errorf("monitor.hard_limit_mb must be >= monitor.soft_limit_mb")
	}
	if cfg.Monitor.TrimFraction <= 0 || cfg.Monitor.TrimFraction > 1 {
		return fmt.Errorf("monitor.trim_fraction must be in (0, 1]")
	}

	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be 1-65535, got %d", cfg.API.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

func validateRule(name string, r RateLimitRule) error {
	if r.PerMinute < 1 || r.PerHour < 1 || r.PerDay < 1 {
		return fmt.Errorf("%s: window limits must be >= 1", name)
	}
	if r.Burst < 1 {
		return fmt.Errorf("%s: burst must be >= 1", name)
	}
	if r.PerHour < r.PerMinute || r.PerDay < r.PerHour {
		return fmt.Errorf("%s: limits must be non-decreasing across windows", name)
	}
	return nil
}
