// Package monitor implements the resource monitor: periodic memory sampling
// with soft/hard thresholds, cache trimming, the admission back-pressure flag,
// and stale-browser recycling.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/browser"
	"github.com/2501Pr0ject/scrapinium/internal/cache"
	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/observability"
)

// Trend describes the recent memory direction.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Report is the monitor's public rapport.
type Report struct {
	CurrentBytes     uint64    `json:"current_bytes"`
	PeakBytes        uint64    `json:"peak_bytes"`
	Trend            Trend     `json:"trend"`
	BackPressure     bool      `json:"back_pressure"`
	LastSweepAt      time.Time `json:"last_sweep_at"`
	LastTrimmed      int       `json:"last_trimmed_entries"`
	LastRecycled     int       `json:"last_recycled_browsers"`
	SweepsTotal      int64     `json:"sweeps_total"`
	ForcedGCTotal    int64     `json:"forced_gc_total"`
	SoftLimitBytes   uint64    `json:"soft_limit_bytes"`
	HardLimitBytes   uint64    `json:"hard_limit_bytes"`
}

// Monitor samples process memory and applies pressure relief. The cache and
// pool are optional; a nil collaborator is skipped.
type Monitor struct {
	cfg     config.MonitorConfig
	cache   *cache.Tiered
	pool    *browser.Pool
	metrics *observability.Metrics
	logger  *slog.Logger

	pressure atomic.Bool

	mu           sync.Mutex
	peak         uint64
	samples      []uint64
	lastSweepAt  time.Time
	lastTrimmed  int
	lastRecycled int
	sweeps       int64
	forcedGC     int64
}

// New creates a Monitor.
func New(cfg config.MonitorConfig, c *cache.Tiered, p *browser.Pool, metrics *observability.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		cache:   c,
		pool:    p,
		metrics: metrics,
		logger:  logger.With("component", "resource_monitor"),
	}
}

// UnderPressure reports whether admission should be refused.
func (m *Monitor) UnderPressure() bool {
	return m.pressure.Load()
}

// Start launches the periodic sweep loop; it stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep runs one monitoring pass. Also callable on demand.
func (m *Monitor) Sweep() Report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	current := ms.HeapInuse

	soft := uint64(m.cfg.SoftLimitMB) * 1024 * 1024
	hard := uint64(m.cfg.HardLimitMB) * 1024 * 1024

	m.mu.Lock()
	m.sweeps++
	m.lastSweepAt = time.Now()
	if current > m.peak {
		m.peak = current
	}
	m.samples = append(m.samples, current)
	if len(m.samples) > m.cfg.TrendSamples {
		m.samples = m.samples[len(m.samples)-m.cfg.TrendSamples:]
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.MemoryBytes.Set(float64(current))
	}

	trimmed := 0
	recycled := 0

	if current >= soft {
		if m.cache != nil {
			trimmed = m.cache.Trim(m.cfg.TrimFraction)
		}
		m.logger.Warn("soft memory threshold exceeded",
			"heap_bytes", current,
			"soft_limit", soft,
			"trimmed", trimmed,
		)
	}

	if current >= hard {
		if !m.pressure.Swap(true) {
			m.logger.Error("hard memory threshold exceeded, enabling back-pressure",
				"heap_bytes", current,
				"hard_limit", hard,
			)
		}
		debug.FreeOSMemory()
		m.mu.Lock()
		m.forcedGC++
		m.mu.Unlock()
	} else if m.pressure.Swap(false) {
		m.logger.Info("memory back-pressure cleared", "heap_bytes", current)
	}

	if m.pool != nil && m.cfg.StaleBrowser > 0 {
		recycled = m.pool.RecycleStale(time.Now().Add(-m.cfg.StaleBrowser))
		if recycled > 0 && m.metrics != nil {
			m.metrics.BrowserRecycle.Add(float64(recycled))
		}
	}

	m.mu.Lock()
	m.lastTrimmed = trimmed
	m.lastRecycled = recycled
	m.mu.Unlock()

	return m.report(current, soft, hard)
}

// Report returns the latest rapport without running a sweep.
func (m *Monitor) Report() Report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	soft := uint64(m.cfg.SoftLimitMB) * 1024 * 1024
	hard := uint64(m.cfg.HardLimitMB) * 1024 * 1024
	return m.report(ms.HeapInuse, soft, hard)
}

func (m *Monitor) report(current, soft, hard uint64) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Report{
		CurrentBytes:   current,
		PeakBytes:      m.peak,
		Trend:          trend(m.samples),
		BackPressure:   m.pressure.Load(),
		LastSweepAt:    m.lastSweepAt,
		LastTrimmed:    m.lastTrimmed,
		LastRecycled:   m.lastRecycled,
		SweepsTotal:    m.sweeps,
		ForcedGCTotal:  m.forcedGC,
		SoftLimitBytes: soft,
		HardLimitBytes: hard,
	}
}

// trend compares the average of the older and newer halves of the window.
func trend(samples []uint64) Trend {
	if len(samples) < 4 {
		return TrendStable
	}
	half := len(samples) / 2
	older := avg(samples[:half])
	newer := avg(samples[half:])

	// A 5% band counts as stable.
	switch {
	case newer > older+older/20:
		return TrendRising
	case older > newer+newer/20:
		return TrendFalling
	default:
		return TrendStable
	}
}

func avg(xs []uint64) uint64 {
	if len(xs) == 0 {
		return 0
	}
	var sum uint64
	for _, x := range xs {
		sum += x
	}
	return sum / uint64(len(xs))
}
