package scraper

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/browser"
	"github.com/2501Pr0ject/scrapinium/internal/cache"
	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/llm"
	"github.com/2501Pr0ject/scrapinium/internal/observability"
	"github.com/2501Pr0ject/scrapinium/internal/ratelimit"
	"github.com/2501Pr0ject/scrapinium/internal/task"
	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// stubBrowser serves a canned page. When block is set, Navigate parks until
// the context is cancelled or the gate channel is closed.
type stubBrowser struct {
	html  string
	block bool
	gate  chan struct{}

	mu        sync.Mutex
	navigates int
}

func (s *stubBrowser) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	s.navigates++
	s.mu.Unlock()

	if s.block {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.gate:
		}
	}
	return url, nil
}

func (s *stubBrowser) Content(ctx context.Context) (string, error) { return s.html, nil }
func (s *stubBrowser) Ping(ctx context.Context) error              { return nil }
func (s *stubBrowser) Close() error                                { return nil }

func (s *stubBrowser) navigateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigates
}

type stubPressure struct{ on bool }

func (s stubPressure) UnderPressure() bool { return s.on }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.WorkersPerBrowser = 1
	cfg.Engine.QueueSize = 16
	cfg.Engine.NavigationTimeout = 2 * time.Second
	cfg.Engine.NavigationRetries = 0
	cfg.Engine.BrowserWaitTimeout = 200 * time.Millisecond
	cfg.Browser.PoolSize = 1
	cfg.Browser.HealthInterval = time.Hour
	cfg.Browser.ShutdownGrace = time.Second
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:        true,
		Default:        config.RateLimitRule{PerMinute: 1000, PerHour: 10000, PerDay: 100000, Burst: 1000},
		Endpoints:      map[string]config.RateLimitRule{},
		AbuseThreshold: 8.0,
		AbuseDenyStep:  1.0,
		AbuseDecayRate: 0.05,
		CooldownPeriod: time.Minute,
	}
	return cfg
}

type fixture struct {
	service *Service
	tasks   *task.Manager
	pool    *browser.Pool
	browser *stubBrowser
}

func newFixture(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	logger := slog.Default()

	stub := &stubBrowser{
		html: `<html><head><title>Stub</title></head><body><h1>Hello</h1><p>world</p></body></html>`,
		gate: make(chan struct{}),
	}
	factory := func(ctx context.Context) (browser.Client, error) { return stub, nil }
	pool := browser.New(cfg.Browser, factory, logger)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	// Wait for the pool to fill before tasks start racing it.
	deadline := time.Now().Add(5 * time.Second)
	for pool.Stats().Idle < cfg.Browser.PoolSize {
		if time.Now().After(deadline) {
			t.Fatal("pool never filled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tasks := task.NewManager(nil, time.Hour, logger)
	limiter := ratelimit.New(cfg.RateLimit, logger)
	metrics := observability.NewMetrics(logger)

	service := New(cfg, tasks, limiter, pool, metrics, logger, opts...)
	service.Start()
	t.Cleanup(service.Shutdown)

	return &fixture{service: service, tasks: tasks, pool: pool, browser: stub}
}

func waitTerminal(t *testing.T, m *task.Manager, id string) *types.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.IsTerminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

// Public literal IPs keep the validator off DNS in tests.
const publicURL = "https://93.184.216.34/article"

func submitSpec(url string) types.TaskSpec {
	return types.TaskSpec{
		URL:          url,
		OutputFormat: types.FormatMarkdown,
		UseCache:     false,
		ClientID:     "test-client",
		UserAgent:    "scrapinium-tests/1.0",
	}
}

func TestHappyPathCompletes(t *testing.T) {
	f := newFixture(t, testConfig())

	created, err := f.service.Submit(submitSpec(publicURL))
	if err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, f.tasks, created.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%+v), want completed", got.Status, got.Error)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.Metadata.CacheHit {
		t.Error("first run must not be a cache hit")
	}
	if got.Metadata.BrowserID == "" {
		t.Error("metadata must record the browser id")
	}
	if got.Result == nil || got.Result.Title != "Stub" {
		t.Errorf("result = %+v, want title Stub", got.Result)
	}
	if got.Metadata.WordCount == 0 {
		t.Error("word count must be recorded")
	}
}

func TestCacheHitOnSecondSubmission(t *testing.T) {
	cfg := testConfig()
	fast := cache.NewMemory(100, 1024*1024, "hybrid", slog.Default())
	tiered := cache.NewTiered(fast, nil, time.Minute, time.Hour, slog.Default())
	f := newFixture(t, cfg, WithCache(tiered))

	spec := submitSpec(publicURL)
	spec.UseCache = true

	first, _ := f.service.Submit(spec)
	got := waitTerminal(t, f.tasks, first.ID)
	if got.Status != types.StatusCompleted || got.Metadata.CacheHit {
		t.Fatalf("first run: status=%s cache_hit=%v", got.Status, got.Metadata.CacheHit)
	}
	navsAfterFirst := f.browser.navigateCount()

	second, _ := f.service.Submit(spec)
	got = waitTerminal(t, f.tasks, second.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("second run status = %s (%+v)", got.Status, got.Error)
	}
	if !got.Metadata.CacheHit {
		t.Error("second identical submission must hit the cache")
	}
	if f.browser.navigateCount() != navsAfterFirst {
		t.Error("cache hit must not touch the browser")
	}
}

func TestSSRFBlockedWithoutBrowser(t *testing.T) {
	f := newFixture(t, testConfig())

	created, err := f.service.Submit(submitSpec("http://169.254.169.254/latest/meta-data/"))
	if err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, f.tasks, created.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != types.KindInvalidURL {
		t.Errorf("error kind = %+v, want invalid_url", got.Error)
	}
	if f.browser.navigateCount() != 0 {
		t.Error("blocked task must never reach the browser")
	}
	for _, handled := range f.pool.Stats().Handled {
		if handled != 0 {
			t.Error("pool handled_count must be unchanged")
		}
	}
}

func TestPoolExhaustionFailsWaitingTask(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.WorkersPerBrowser = 2 // two workers contending for one browser
	f := newFixture(t, cfg)
	f.browser.block = true

	first, _ := f.service.Submit(submitSpec(publicURL))
	time.Sleep(100 * time.Millisecond) // let the first task take the browser

	second, _ := f.service.Submit(submitSpec(publicURL))
	got := waitTerminal(t, f.tasks, second.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != types.KindPoolExhausted {
		t.Errorf("error kind = %+v, want pool_exhausted", got.Error)
	}

	// Releasing the gate lets the first task finish normally.
	close(f.browser.gate)
	got = waitTerminal(t, f.tasks, first.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("first task status = %s (%+v), want completed", got.Status, got.Error)
	}
}

func TestLLMDegradation(t *testing.T) {
	cfg := testConfig()
	cfg.LLM = config.LLMConfig{
		Enabled:     true,
		Provider:    "ollama",
		Endpoint:    "http://127.0.0.1:1", // nothing listens here
		Model:       "llama3",
		MaxTokens:   128,
		Temperature: 0,
		Timeout:     500 * time.Millisecond,
		MaxInput:    1000,
	}
	client := llm.New(cfg.LLM, nil, time.Hour, slog.Default())
	f := newFixture(t, cfg, WithLLM(client))

	spec := submitSpec(publicURL)
	spec.UseLLM = true

	created, _ := f.service.Submit(spec)
	got := waitTerminal(t, f.tasks, created.ID)

	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%+v), want completed despite llm outage", got.Status, got.Error)
	}
	if !got.Metadata.LLMSkipped {
		t.Error("metadata.llm_skipped must be set")
	}
	if got.Result == nil || got.Result.Content == "" {
		t.Error("content must equal the non-llm extraction")
	}
}

func TestCancelDuringExtraction(t *testing.T) {
	f := newFixture(t, testConfig())
	f.browser.block = true
	defer close(f.browser.gate)

	created, _ := f.service.Submit(submitSpec(publicURL))

	// Wait until the task is inside extraction.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := f.tasks.Get(created.ID)
		if got.Status == types.StatusExtracting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached extracting (status=%s)", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.service.Cancel(created.ID); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, f.tasks, created.ID)
	if got.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// No further progress updates after the terminal state.
	progress := got.Progress
	time.Sleep(100 * time.Millisecond)
	again, _ := f.tasks.Get(created.ID)
	if again.Progress != progress || again.Status != types.StatusCancelled {
		t.Error("terminal task must not move")
	}
}

func TestBackPressureRejectsAdmission(t *testing.T) {
	f := newFixture(t, testConfig(), WithBackPressure(stubPressure{on: true}))

	created, _ := f.service.Submit(submitSpec(publicURL))
	got := waitTerminal(t, f.tasks, created.ID)

	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != types.KindServiceUnavailable {
		t.Errorf("error kind = %+v, want service_unavailable", got.Error)
	}
}

func TestRateLimitedTask(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Endpoints["scrape"] = config.RateLimitRule{
		PerMinute: 1, PerHour: 100, PerDay: 1000, Burst: 100,
	}
	f := newFixture(t, cfg)

	first, _ := f.service.Submit(submitSpec(publicURL))
	waitTerminal(t, f.tasks, first.ID)

	second, _ := f.service.Submit(submitSpec(publicURL))
	got := waitTerminal(t, f.tasks, second.ID)

	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != types.KindRateLimited {
		t.Fatalf("error kind = %+v, want rate_limited", got.Error)
	}
	if got.Error.RetryAfter <= 0 || got.Error.RetryAfter > time.Minute {
		t.Errorf("retry_after = %v, want (0, 1m]", got.Error.RetryAfter)
	}
}

func TestAnalysisHookFailureAnnotates(t *testing.T) {
	hook := func(ctx context.Context, result *types.Result) error {
		return context.DeadlineExceeded
	}
	f := newFixture(t, testConfig(), WithAnalysisHook(hook))

	created, _ := f.service.Submit(submitSpec(publicURL))
	got := waitTerminal(t, f.tasks, created.ID)

	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed despite hook failure", got.Status)
	}
	if !got.Metadata.PostAnalysisSkipped {
		t.Error("metadata.post_analysis_skipped must be set")
	}
}

func TestSubmitRejectsBadSpec(t *testing.T) {
	f := newFixture(t, testConfig())

	if _, err := f.service.Submit(types.TaskSpec{OutputFormat: types.FormatMarkdown}); err == nil {
		t.Error("empty url must be rejected at submit")
	}
}
