package ratelimit

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled: true,
		Default: config.RateLimitRule{PerMinute: 100, PerHour: 2000, PerDay: 20000, Burst: 1000},
		Endpoints: map[string]config.RateLimitRule{
			"scrape": {PerMinute: 5, PerHour: 100, PerDay: 1000, Burst: 1000},
		},
		AbuseThreshold: 8.0,
		AbuseDenyStep:  1.0,
		AbuseDecayRate: 0.05,
		CooldownPeriod: 5 * time.Minute,
	}
}

func newTestLimiter() *Limiter {
	return New(testConfig(), slog.Default())
}

func TestCheckBoundary(t *testing.T) {
	l := newTestLimiter()

	// Exactly the Nth request in the window is admitted.
	for i := 0; i < 5; i++ {
		d := l.Check("client-a", "scrape")
		if !d.Allowed {
			t.Fatalf("request %d denied, want admitted (reason=%s)", i+1, d.Reason)
		}
	}

	// The N+1th is denied with a positive retry hint bounded by the window.
	d := l.Check("client-a", "scrape")
	if d.Allowed {
		t.Fatal("6th request in the minute must be denied")
	}
	if d.Reason != ReasonMinute {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonMinute)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("retry_after = %v, want (0, 1m]", d.RetryAfter)
	}
}

func TestCheckClientsIndependent(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("client-a", "scrape")
	}
	if d := l.Check("client-b", "scrape"); !d.Allowed {
		t.Error("client-b must not be affected by client-a's traffic")
	}
}

func TestCheckEndpointProfiles(t *testing.T) {
	l := newTestLimiter()

	// The default profile allows far more than the scrape profile.
	for i := 0; i < 50; i++ {
		if d := l.Check("client-a", "other"); !d.Allowed {
			t.Fatalf("request %d on default profile denied", i+1)
		}
	}
}

func TestBurstWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints["scrape"] = config.RateLimitRule{PerMinute: 1000, PerHour: 10000, PerDay: 100000, Burst: 3}
	l := New(cfg, slog.Default())

	for i := 0; i < 3; i++ {
		if d := l.Check("c", "scrape"); !d.Allowed {
			t.Fatalf("burst request %d denied", i+1)
		}
	}
	d := l.Check("c", "scrape")
	if d.Allowed {
		t.Fatal("4th request within the burst window must be denied")
	}
	if d.Reason != ReasonBurst {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonBurst)
	}
}

func TestDenialsRaiseAbuseScore(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("c", "scrape")
	}
	before := l.AbuseScore("c")
	l.Check("c", "scrape") // denied
	after := l.AbuseScore("c")

	if after <= before {
		t.Errorf("abuse score should rise on denial: %f -> %f", before, after)
	}
}

func TestAbuseCooldown(t *testing.T) {
	l := newTestLimiter()

	// Signals alone can push a client into cooldown without any denial.
	l.ReportSignal("c", 9.0)

	d := l.Check("c", "scrape")
	if d.Allowed {
		t.Fatal("client above the abuse threshold must be denied")
	}
	if d.Reason != ReasonCooldown {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonCooldown)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 5*time.Minute {
		t.Errorf("retry_after = %v, want (0, 5m]", d.RetryAfter)
	}
}

func TestSignalDoesNotCountAsDenial(t *testing.T) {
	l := newTestLimiter()

	l.ReportSignal("c", 0.5)
	stats := l.Stats()
	if stats.Denied != 0 {
		t.Errorf("denied = %d, want 0 after a signal", stats.Denied)
	}
	if score := l.AbuseScore("c"); score < 0.4 {
		t.Errorf("score = %f, want ~0.5", score)
	}
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	l := New(cfg, slog.Default())

	for i := 0; i < 1000; i++ {
		if d := l.Check("c", "scrape"); !d.Allowed {
			t.Fatal("disabled limiter must admit everything")
		}
	}
}

func TestStats(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 6; i++ {
		l.Check("c", "scrape")
	}
	stats := l.Stats()
	if stats.Admitted != 5 {
		t.Errorf("admitted = %d, want 5", stats.Admitted)
	}
	if stats.Denied != 1 {
		t.Errorf("denied = %d, want 1", stats.Denied)
	}
	if stats.Clients != 1 {
		t.Errorf("clients = %d, want 1", stats.Clients)
	}
}

func TestConcurrentChecks(t *testing.T) {
	l := newTestLimiter()
	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				l.Check(fmt.Sprintf("client-%d", g%4), "other")
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	stats := l.Stats()
	if stats.Admitted+stats.Denied != 800 {
		t.Errorf("admitted+denied = %d, want 800", stats.Admitted+stats.Denied)
	}
}

func BenchmarkCheck(b *testing.B) {
	cfg := testConfig()
	cfg.Default = config.RateLimitRule{PerMinute: 1 << 30, PerHour: 1 << 30, PerDay: 1 << 30, Burst: 1 << 30}
	l := New(cfg, slog.Default())

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l.Check(fmt.Sprintf("client-%d", i%16), "bench")
			i++
		}
	})
}
