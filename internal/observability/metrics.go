// Package observability exposes Prometheus metrics for the task engine.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    *prometheus.CounterVec
	TasksCancelled prometheus.Counter
	TaskDuration   prometheus.Histogram

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	RateDenied prometheus.Counter

	BrowserWait    prometheus.Histogram
	BrowsersInUse  prometheus.Gauge
	BrowserRecycle prometheus.Counter

	LLMRequests prometheus.Counter
	LLMSkipped  prometheus.Counter

	MemoryBytes prometheus.Gauge

	logger *slog.Logger
}

// NewMetrics creates collectors on a fresh registry.
func NewMetrics(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_tasks_created_total",
			Help: "Total tasks created",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_tasks_completed_total",
			Help: "Total tasks completed successfully",
		}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapinium_tasks_failed_total",
			Help: "Total tasks failed, by error kind",
		}, []string{"kind"}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_tasks_cancelled_total",
			Help: "Total tasks cancelled",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapinium_task_duration_seconds",
			Help:    "End-to-end task execution time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_cache_hits_total",
			Help: "Total cache hits across tiers",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_cache_misses_total",
			Help: "Total cache misses",
		}),

		RateDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_rate_denied_total",
			Help: "Total admissions denied by the rate limiter",
		}),

		BrowserWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapinium_browser_wait_seconds",
			Help:    "Time spent waiting for a browser from the pool",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		BrowsersInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scrapinium_browsers_in_use",
			Help: "Browsers currently held by tasks",
		}),
		BrowserRecycle: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_browser_recycled_total",
			Help: "Idle browsers recycled by the resource monitor's stale scan",
		}),

		LLMRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_llm_requests_total",
			Help: "Total LLM provider calls",
		}),
		LLMSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scrapinium_llm_skipped_total",
			Help: "Tasks that degraded past LLM processing",
		}),

		MemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scrapinium_memory_bytes",
			Help: "Current heap in use",
		}),

		logger: logger.With("component", "metrics"),
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves metrics on its own port.
func (m *Metrics) StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		server := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
}
