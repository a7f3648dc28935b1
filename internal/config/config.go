package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for Scrapinium.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"    yaml:"engine"`
	Browser   BrowserConfig   `mapstructure:"browser"   yaml:"browser"`
	Cache     CacheConfig     `mapstructure:"cache"     yaml:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	LLM       LLMConfig       `mapstructure:"llm"       yaml:"llm"`
	Monitor   MonitorConfig   `mapstructure:"monitor"   yaml:"monitor"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// EngineConfig controls the scraping service.
type EngineConfig struct {
	// WorkersPerBrowser sizes the worker pool at browser.pool_size * this.
	WorkersPerBrowser      int           `mapstructure:"workers_per_browser"      yaml:"workers_per_browser"`
	QueueSize              int           `mapstructure:"queue_size"               yaml:"queue_size"`
	NavigationTimeout      time.Duration `mapstructure:"navigation_timeout"       yaml:"navigation_timeout"`
	NavigationRetries      int           `mapstructure:"navigation_retries"       yaml:"navigation_retries"`
	BrowserWaitTimeout     time.Duration `mapstructure:"browser_wait_timeout"     yaml:"browser_wait_timeout"`
	MaxCancellationLatency time.Duration `mapstructure:"max_cancellation_latency" yaml:"max_cancellation_latency"`
	AllowPrivateHosts      bool          `mapstructure:"allow_private_hosts"      yaml:"allow_private_hosts"`
}

// BrowserConfig controls the browser pool.
type BrowserConfig struct {
	PoolSize         int           `mapstructure:"pool_size"          yaml:"pool_size"`
	MaxRequests      int           `mapstructure:"max_requests"       yaml:"max_requests"`
	MaxAge           time.Duration `mapstructure:"max_age"            yaml:"max_age"`
	FailureThreshold int           `mapstructure:"failure_threshold"  yaml:"failure_threshold"`
	HealthInterval   time.Duration `mapstructure:"health_interval"    yaml:"health_interval"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"     yaml:"shutdown_grace"`
	Stealth          bool          `mapstructure:"stealth"            yaml:"stealth"`
	StabilizeWindow  time.Duration `mapstructure:"stabilize_window"   yaml:"stabilize_window"`
}

// CacheConfig controls both cache tiers.
type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled"          yaml:"enabled"`
	MaxEntries     int           `mapstructure:"max_entries"      yaml:"max_entries"`
	MaxBytes       int64         `mapstructure:"max_bytes"        yaml:"max_bytes"`
	Strategy       string        `mapstructure:"strategy"         yaml:"strategy"` // lru, ttl, hybrid, smart
	FastTTL        time.Duration `mapstructure:"fast_ttl"         yaml:"fast_ttl"`
	DurableTTL     time.Duration `mapstructure:"durable_ttl"      yaml:"durable_ttl"`
	LLMTTL         time.Duration `mapstructure:"llm_ttl"          yaml:"llm_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"   yaml:"sweep_interval"`
	RedisAddr      string        `mapstructure:"redis_addr"       yaml:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"   yaml:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"         yaml:"redis_db"`
	RedisTimeout   time.Duration `mapstructure:"redis_timeout"    yaml:"redis_timeout"`
	RedisKeyPrefix string        `mapstructure:"redis_key_prefix" yaml:"redis_key_prefix"`
}

// RateLimitRule caps request counts for one endpoint profile.
type RateLimitRule struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	PerHour   int `mapstructure:"per_hour"   yaml:"per_hour"`
	PerDay    int `mapstructure:"per_day"    yaml:"per_day"`
	Burst     int `mapstructure:"burst"      yaml:"burst"`
}

// RateLimitConfig controls admission.
type RateLimitConfig struct {
	Enabled        bool                     `mapstructure:"enabled"         yaml:"enabled"`
	Default        RateLimitRule            `mapstructure:"default"         yaml:"default"`
	Endpoints      map[string]RateLimitRule `mapstructure:"endpoints"       yaml:"endpoints"`
	AbuseThreshold float64                  `mapstructure:"abuse_threshold" yaml:"abuse_threshold"`
	AbuseDenyStep  float64                  `mapstructure:"abuse_deny_step" yaml:"abuse_deny_step"`
	AbuseDecayRate float64                  `mapstructure:"abuse_decay_rate" yaml:"abuse_decay_rate"` // points per second
	CooldownPeriod time.Duration            `mapstructure:"cooldown_period" yaml:"cooldown_period"`
}

// LLMConfig controls the LLM client.
type LLMConfig struct {
	Enabled     bool          `mapstructure:"enabled"      yaml:"enabled"`
	Provider    string        `mapstructure:"provider"     yaml:"provider"` // ollama, openai, custom
	Endpoint    string        `mapstructure:"endpoint"     yaml:"endpoint"`
	Model       string        `mapstructure:"model"        yaml:"model"`
	APIKey      string        `mapstructure:"api_key"      yaml:"api_key"`
	MaxTokens   int           `mapstructure:"max_tokens"   yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"  yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"      yaml:"timeout"`
	MaxInput    int           `mapstructure:"max_input"    yaml:"max_input"`
}

// MonitorConfig controls the resource monitor.
type MonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"       yaml:"interval"`
	SoftLimitMB   int           `mapstructure:"soft_limit_mb"  yaml:"soft_limit_mb"`
	HardLimitMB   int           `mapstructure:"hard_limit_mb"  yaml:"hard_limit_mb"`
	TrimFraction  float64       `mapstructure:"trim_fraction"  yaml:"trim_fraction"`
	StaleBrowser  time.Duration `mapstructure:"stale_browser"  yaml:"stale_browser"`
	TrendSamples  int           `mapstructure:"trend_samples"  yaml:"trend_samples"`
}

// StorageConfig controls task persistence.
type StorageConfig struct {
	MongoURI        string        `mapstructure:"mongo_uri"        yaml:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"   yaml:"mongo_database"`
	MongoCollection string        `mapstructure:"mongo_collection" yaml:"mongo_collection"`
	Timeout         time.Duration `mapstructure:"timeout"          yaml:"timeout"`
	// Retention bounds how long terminal tasks stay in the in-memory registry.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Port            int           `mapstructure:"port"             yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			WorkersPerBrowser:      2,
			QueueSize:              256,
			NavigationTimeout:      30 * time.Second,
			NavigationRetries:      1,
			BrowserWaitTimeout:     30 * time.Second,
			MaxCancellationLatency: 5 * time.Second,
		},
		Browser: BrowserConfig{
			PoolSize:         3,
			MaxRequests:      100,
			MaxAge:           30 * time.Minute,
			FailureThreshold: 3,
			HealthInterval:   30 * time.Second,
			ShutdownGrace:    10 * time.Second,
			Stealth:          true,
			StabilizeWindow:  300 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxEntries:     10_000,
			MaxBytes:       256 * 1024 * 1024, // 256MB
			Strategy:       "hybrid",
			FastTTL:        15 * time.Minute,
			DurableTTL:     24 * time.Hour,
			LLMTTL:         7 * 24 * time.Hour,
			SweepInterval:  time.Minute,
			RedisAddr:      "localhost:6379",
			RedisTimeout:   2 * time.Second,
			RedisKeyPrefix: "scrapinium",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Default: RateLimitRule{PerMinute: 100, PerHour: 2000, PerDay: 20000, Burst: 20},
			Endpoints: map[string]RateLimitRule{
				"scrape": {PerMinute: 100, PerHour: 1000, PerDay: 5000, Burst: 10},
			},
			AbuseThreshold: 8.0,
			AbuseDenyStep:  1.0,
			AbuseDecayRate: 0.05,
			CooldownPeriod: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Provider:    "ollama",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3",
			MaxTokens:   2048,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
			MaxInput:    16_000,
		},
		Monitor: MonitorConfig{
			Interval:     30 * time.Second,
			SoftLimitMB:  512,
			HardLimitMB:  1024,
			TrimFraction: 0.25,
			StaleBrowser: 10 * time.Minute,
			TrendSamples: 20,
		},
		Storage: StorageConfig{
			MongoURI:        "mongodb://localhost:27017",
			MongoDatabase:   "scrapinium",
			MongoCollection: "tasks",
			Timeout:         10 * time.Second,
			Retention:       time.Hour,
		},
		API: APIConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
