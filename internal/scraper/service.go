// Package scraper orchestrates one scraping task end to end: admission,
// validation, cache probe, browser acquisition, extraction, optional LLM
// restructuring, the post-analysis hook, and completion with progress fan-out.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
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

// endpointScrape is the rate-limit profile consulted for task admission.
const endpointScrape = "scrape"

// AnalysisHook is the optional post-extraction analysis step. Hook errors
// annotate metadata and never fail the task.
type AnalysisHook func(ctx context.Context, result *types.Result) error

// BackPressure reports whether admission should be refused; set by the
// resource monitor.
type BackPressure interface {
	UnderPressure() bool
}

// Service ties the engine components together and runs the worker pool.
type Service struct {
	cfg       *config.Config
	logger    *slog.Logger
	tasks     *task.Manager
	limiter   *ratelimit.Limiter
	cache     *cache.Tiered // may be nil
	pool      *browser.Pool
	llm       *llm.Client // may be nil
	validator *URLValidator
	pressure  BackPressure // may be nil
	hook      AnalysisHook // may be nil
	metrics   *observability.Metrics

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service)

// WithCache sets the result cache.
func WithCache(c *cache.Tiered) Option {
	return func(s *Service) { s.cache = c }
}

// WithLLM sets the LLM client.
func WithLLM(c *llm.Client) Option {
	return func(s *Service) { s.llm = c }
}

// WithBackPressure sets the admission pressure source.
func WithBackPressure(bp BackPressure) Option {
	return func(s *Service) { s.pressure = bp }
}

// WithAnalysisHook sets the post-extraction hook.
func WithAnalysisHook(h AnalysisHook) Option {
	return func(s *Service) { s.hook = h }
}

// New creates the service. Call Start to launch workers.
func New(cfg *config.Config, tasks *task.Manager, limiter *ratelimit.Limiter, pool *browser.Pool,
	metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Service {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "scraping_service"),
		tasks:     tasks,
		limiter:   limiter,
		pool:      pool,
		validator: NewURLValidator(cfg.Engine.AllowPrivateHosts),
		metrics:   metrics,
		queue:     make(chan string, cfg.Engine.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the bounded worker pool (pool_size * workers_per_browser).
func (s *Service) Start() {
	workers := s.cfg.Browser.PoolSize * s.cfg.Engine.WorkersPerBrowser
	s.logger.Info("scraping service starting", "workers", workers)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Shutdown stops accepting work and waits for in-flight tasks.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scraping service stopped")
}

// Submit validates the spec shape, registers a pending task, and enqueues it.
// Non-blocking: a full queue fails the task with service_unavailable instead
// of holding the caller.
func (s *Service) Submit(spec types.TaskSpec) (*types.Task, error) {
	if spec.OutputFormat == "" {
		spec.OutputFormat = types.FormatMarkdown
	}
	if err := spec.Validate(); err != nil {
		return nil, types.NewTaskError(types.KindInvalidURL, "invalid task spec", err)
	}

	t, err := s.tasks.Create(spec)
	if err != nil {
		return nil, err
	}
	s.metrics.TasksCreated.Inc()

	select {
	case s.queue <- t.ID:
	default:
		taskErr := &types.TaskError{Kind: types.KindServiceUnavailable, Message: "task queue is full"}
		_ = s.tasks.Fail(t.ID, taskErr)
		s.metrics.TasksFailed.WithLabelValues(string(types.KindServiceUnavailable)).Inc()
		return nil, taskErr
	}
	return t, nil
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker_id", id)

	for {
		select {
		case <-s.ctx.Done():
			return
		case taskID := <-s.queue:
			s.run(logger, taskID)
		}
	}
}

// run executes one task through the lifecycle. Every failure is recorded on the
// task before run returns.
func (s *Service) run(logger *slog.Logger, taskID string) {
	start := time.Now()

	t, err := s.tasks.Get(taskID)
	if err != nil {
		logger.Error("task vanished before execution", "task_id", taskID)
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	spec := t.Spec
	logger = logger.With("task_id", taskID, "url", spec.URL)

	taskCtx, err := s.tasks.Context(taskID)
	if err != nil {
		return
	}

	fail := func(taskErr *types.TaskError) {
		if err := s.tasks.Fail(taskID, taskErr); err == nil {
			s.metrics.TasksFailed.WithLabelValues(string(taskErr.Kind)).Inc()
		}
	}

	// A panic in one task must not take the worker down or leak its browser;
	// the release defer below runs first and returns the handle with an error
	// outcome.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during task execution", "panic", r)
			fail(&types.TaskError{Kind: types.KindInternal, Message: "internal error"})
		}
	}()

	_ = s.tasks.Transition(taskID, types.StatusInitializing)
	_ = s.tasks.UpdateProgress(taskID, 5, "initializing")

	// Step 0: back-pressure gate.
	if s.pressure != nil && s.pressure.UnderPressure() {
		fail(&types.TaskError{Kind: types.KindServiceUnavailable, Message: "service under memory pressure"})
		return
	}

	// Step 1: admission.
	if spec.UserAgent == "" {
		s.limiter.ReportSignal(spec.ClientID, 0.5)
	}
	decision := s.limiter.Check(spec.ClientID, endpointScrape)
	if !decision.Allowed {
		s.metrics.RateDenied.Inc()
		fail(&types.TaskError{
			Kind:       types.KindRateLimited,
			Message:    decision.Reason,
			RetryAfter: decision.RetryAfter,
		})
		return
	}

	// Step 2: URL validation and SSRF guard.
	if err := s.validator.Validate(taskCtx, spec.URL); err != nil {
		fail(asTaskError(err, types.KindInvalidURL, "url validation failed"))
		return
	}

	// Step 3: cache lookup.
	key := cache.Fingerprint(&spec, s.llmModel())
	if spec.UseCache && s.cache != nil {
		if cached, ok := s.cache.Get(taskCtx, key); ok {
			var result types.Result
			if err := json.Unmarshal(cached, &result); err == nil {
				s.metrics.CacheHits.Inc()
				meta := types.Metadata{
					ExecutionTime: time.Since(start),
					ContentLength: len(result.Content),
					WordCount:     WordCount(result.Content),
					CacheHit:      true,
				}
				_ = s.tasks.Complete(taskID, &result, meta)
				s.finishOK(spec.ClientID, start)
				logger.Debug("served from cache")
				return
			}
			// Undecodable payloads read as a miss; the entry is replaced below.
		}
		s.metrics.CacheMisses.Inc()
	}

	// Checkpoint: before browser acquisition.
	if taskCtx.Err() != nil {
		s.metrics.TasksCancelled.Inc()
		return
	}

	// Step 4: acquire a browser.
	_ = s.tasks.Transition(taskID, types.StatusAcquiringBrowser)
	_ = s.tasks.UpdateProgress(taskID, 10, "acquiring browser")

	acquireStart := time.Now()
	acquireCtx, cancelAcquire := context.WithTimeout(taskCtx, s.cfg.Engine.BrowserWaitTimeout)
	handle, err := s.pool.Acquire(acquireCtx, spec.Priority)
	cancelAcquire()
	s.metrics.BrowserWait.Observe(time.Since(acquireStart).Seconds())

	if err != nil {
		switch {
		case taskCtx.Err() != nil:
			s.metrics.TasksCancelled.Inc()
		case errors.Is(err, types.ErrPoolClosed):
			fail(&types.TaskError{Kind: types.KindServiceUnavailable, Message: "browser pool is shut down"})
		default:
			fail(&types.TaskError{Kind: types.KindPoolExhausted, Message: "no browser available within deadline", Err: err})
		}
		return
	}

	s.metrics.BrowsersInUse.Inc()
	outcome := browser.OutcomeError
	defer func() {
		r := recover()
		if r != nil {
			outcome = browser.OutcomeError
		}
		handle.Release(outcome)
		s.metrics.BrowsersInUse.Dec()
		if r != nil {
			panic(r)
		}
	}()

	// Step 5: navigate and extract.
	_ = s.tasks.Transition(taskID, types.StatusExtracting)
	_ = s.tasks.UpdateProgress(taskID, 25, "extracting content")

	rawHTML, finalURL, err := s.navigate(taskCtx, handle.Client(), spec.URL)
	if err != nil {
		if taskCtx.Err() != nil {
			s.metrics.TasksCancelled.Inc()
			outcome = browser.OutcomeOK
			return
		}
		fail(asTaskError(err, types.KindNavigationError, "navigation failed"))
		return
	}

	result, err := Extract(rawHTML, spec.OutputFormat, finalURL)
	if err != nil {
		outcome = browser.OutcomeOK // the browser did its job
		fail(asTaskError(err, types.KindExtractionError, "extraction failed"))
		return
	}
	outcome = browser.OutcomeOK

	meta := types.Metadata{
		BrowserID: handle.ID(),
	}

	// Checkpoint: after extraction, before LLM.
	if taskCtx.Err() != nil {
		s.metrics.TasksCancelled.Inc()
		return
	}

	// Step 6: optional LLM restructuring; recoverable errors degrade.
	if spec.UseLLM && s.llm != nil {
		_ = s.tasks.Transition(taskID, types.StatusProcessingLLM)
		_ = s.tasks.UpdateProgress(taskID, 60, "processing with llm")

		s.metrics.LLMRequests.Inc()
		llmCtx, cancelLLM := context.WithTimeout(taskCtx, s.cfg.LLM.Timeout)
		llmResult, err := s.llm.Process(llmCtx, result.Content, spec.CustomInstructions)
		cancelLLM()

		switch {
		case err == nil:
			if result.Structured == nil {
				result.Structured = make(map[string]any)
			}
			result.Structured["restructured"] = llmResult.Text
			meta.LLMProvider = llmResult.Provider
		case taskCtx.Err() != nil:
			s.metrics.TasksCancelled.Inc()
			return
		case recoverableLLM(err):
			logger.Warn("llm degraded, continuing without structured content", "error", err)
			meta.LLMSkipped = true
			s.metrics.LLMSkipped.Inc()
		default:
			fail(asTaskError(err, types.KindLLMUnavailable, "llm processing failed"))
			return
		}
	} else if spec.UseLLM {
		meta.LLMSkipped = true
	}

	// Checkpoint: before post-processing.
	if taskCtx.Err() != nil {
		s.metrics.TasksCancelled.Inc()
		return
	}

	// Step 7: optional analysis hook.
	if s.hook != nil {
		_ = s.tasks.Transition(taskID, types.StatusPostProcessing)
		_ = s.tasks.UpdateProgress(taskID, 90, "post-processing")

		if err := s.hook(taskCtx, result); err != nil {
			logger.Warn("analysis hook failed, skipping", "error", err)
			meta.PostAnalysisSkipped = true
		}
	}

	// Step 8: write-through cache store.
	if spec.UseCache && s.cache != nil {
		if payload, err := json.Marshal(result); err == nil {
			if err := s.cache.Put(taskCtx, key, payload); err != nil {
				logger.Warn("cache store failed", "error", err)
			}
		}
	}

	// Step 9: complete.
	meta.ExecutionTime = time.Since(start)
	meta.ContentLength = len(result.Content)
	meta.WordCount = WordCount(result.Content)

	if err := s.tasks.Complete(taskID, result, meta); err != nil {
		// Terminal already (a racing cancel); nothing further to record.
		return
	}
	s.finishOK(spec.ClientID, start)
	logger.Info("task completed",
		"duration", meta.ExecutionTime,
		"content_length", meta.ContentLength,
		"llm_skipped", meta.LLMSkipped,
	)
}

// navigate loads the URL, retrying up to engine.navigation_retries times on any
// navigation or content error.
func (s *Service) navigate(ctx context.Context, client browser.Client, url string) (string, string, error) {
	attempts := s.cfg.Engine.NavigationRetries + 1

	var lastErr error
	var finalURL string
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}

		navCtx, cancel := context.WithTimeout(ctx, s.cfg.Engine.NavigationTimeout)
		var err error
		finalURL, err = client.Navigate(navCtx, url, s.cfg.Engine.NavigationTimeout)
		if err == nil {
			html, cerr := client.Content(navCtx)
			cancel()
			if cerr == nil {
				return html, finalURL, nil
			}
			err = cerr
		} else {
			cancel()
		}
		lastErr = err
	}
	return "", "", types.NewTaskError(types.KindNavigationError, "navigation failed after retries", lastErr)
}

func (s *Service) finishOK(clientID string, start time.Time) {
	s.limiter.OnResponseOK(clientID)
	s.metrics.TasksCompleted.Inc()
	s.metrics.TaskDuration.Observe(time.Since(start).Seconds())
}

func (s *Service) llmModel() string {
	if s.llm == nil {
		return ""
	}
	return s.llm.Model()
}

// Stats aggregates the engine-wide snapshot for the stats endpoint.
func (s *Service) Stats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"tasks":     s.tasks.Stats(),
		"pool":      s.pool.Stats(),
		"ratelimit": s.limiter.Stats(),
		"queue_len": len(s.queue),
	}
	if s.cache != nil {
		stats["cache"] = s.cache.Stats(ctx)
	}
	return stats
}

// InvalidateCache removes cached results matching pattern (or all results when
// pattern is empty) and returns the count removed.
func (s *Service) InvalidateCache(ctx context.Context, pattern string) int {
	if s.cache == nil {
		return 0
	}
	if pattern == "" {
		pattern = cache.KeyVersion + ":*"
	}
	return s.cache.Invalidate(ctx, pattern)
}

// Cancel cancels a task through the manager.
func (s *Service) Cancel(taskID string) error {
	return s.tasks.Cancel(taskID)
}

// recoverableLLM reports whether the task should degrade rather than fail.
func recoverableLLM(err error) bool {
	switch types.KindOf(err) {
	case types.KindLLMUnavailable, types.KindLLMTimeout, types.KindLLMRateLimited, types.KindLLMInvalidResponse:
		return true
	}
	return false
}

// asTaskError returns err when it already carries a kind, otherwise wraps it.
func asTaskError(err error, kind types.ErrorKind, msg string) *types.TaskError {
	var te *types.TaskError
	if errors.As(err, &te) {
		return te
	}
	return types.NewTaskError(kind, msg, err)
}
