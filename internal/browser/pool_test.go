package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// fakeClient is an in-memory browser used to exercise pool mechanics.
type fakeClient struct {
	mu      sync.Mutex
	closed  bool
	pingErr error
}

func (f *fakeClient) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	return url, nil
}

func (f *fakeClient) Content(ctx context.Context) (string, error) {
	return "<html><body>fake</body></html>", nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeFactory() Factory {
	return func(ctx context.Context) (Client, error) {
		return &fakeClient{}, nil
	}
}

func testPoolConfig(size int) config.BrowserConfig {
	return config.BrowserConfig{
		PoolSize:         size,
		MaxRequests:      1000,
		MaxAge:           time.Hour,
		FailureThreshold: 3,
		HealthInterval:   time.Hour, // keep the health loop quiet in tests
		ShutdownGrace:    time.Second,
	}
}

// waitForIdle polls until the pool has n idle instances or the deadline lapses.
func waitForIdle(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Idle >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d idle instances (stats=%+v)", n, p.Stats())
}

func TestPoolAcquireRelease(t *testing.T) {
	p := New(testPoolConfig(2), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 2)

	h, err := p.Acquire(context.Background(), types.PriorityNormal)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.ID() == "" {
		t.Error("handle must carry a browser id")
	}

	stats := p.Stats()
	if stats.InUse != 1 || stats.Idle != 1 {
		t.Errorf("stats = %+v, want 1 in use / 1 idle", stats)
	}

	h.Release(OutcomeOK)
	stats = p.Stats()
	if stats.InUse != 0 || stats.Idle != 2 {
		t.Errorf("after release stats = %+v, want 0 in use / 2 idle", stats)
	}
	if stats.Handled[h.ID()] != 1 {
		t.Errorf("handled count = %d, want 1", stats.Handled[h.ID()])
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	h, _ := p.Acquire(context.Background(), types.PriorityNormal)
	h.Release(OutcomeOK)
	h.Release(OutcomeOK) // second release is a no-op

	if stats := p.Stats(); stats.Idle != 1 {
		t.Errorf("idle = %d, want 1", stats.Idle)
	}
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	h, err := p.Acquire(context.Background(), types.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(OutcomeOK)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx, types.PriorityNormal)
	if !errors.Is(err, types.ErrAcquireTimeout) {
		t.Fatalf("got %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %v, want ~100ms", elapsed)
	}
}

func TestPoolFIFOFairness(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	h, _ := p.Acquire(context.Background(), types.PriorityNormal)

	grants := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wh, err := p.Acquire(context.Background(), types.PriorityNormal)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			grants <- i
			wh.Release(OutcomeOK)
		}(i)
		// Enqueue in order.
		time.Sleep(30 * time.Millisecond)
	}

	h.Release(OutcomeOK)
	wg.Wait()
	close(grants)

	var order []int
	for g := range grants {
		order = append(order, g)
	}
	for i, g := range order {
		if g != i {
			t.Fatalf("grant order %v, want [0 1 2]", order)
		}
	}
}

func TestPoolPriorityOrdering(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	h, _ := p.Acquire(context.Background(), types.PriorityNormal)

	grants := make(chan string, 2)
	var wg sync.WaitGroup

	acquire := func(name string, prio types.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wh, err := p.Acquire(context.Background(), prio)
			if err != nil {
				t.Errorf("%s: %v", name, err)
				return
			}
			grants <- name
			wh.Release(OutcomeOK)
		}()
		time.Sleep(30 * time.Millisecond)
	}

	acquire("low", types.PriorityLow)
	acquire("urgent", types.PriorityUrgent)

	h.Release(OutcomeOK)
	wg.Wait()
	close(grants)

	first := <-grants
	if first != "urgent" {
		t.Errorf("first grant = %s, want urgent", first)
	}
}

func TestPoolRecyclesAfterFailures(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	var firstID string
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background(), types.PriorityNormal)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if firstID == "" {
			firstID = h.ID()
		}
		h.Release(OutcomeError)
		// The third error release triggers recycling and a replacement spawn.
		waitForIdle(t, p, 1)
	}

	h, err := p.Acquire(context.Background(), types.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(OutcomeOK)

	if h.ID() == firstID {
		t.Error("browser past the failure threshold must have been replaced")
	}
}

func TestPoolRecyclesAfterMaxRequests(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.MaxRequests = 2
	p := New(cfg, fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 1)

	var firstID string
	for i := 0; i < 2; i++ {
		h, _ := p.Acquire(context.Background(), types.PriorityNormal)
		if firstID == "" {
			firstID = h.ID()
		}
		h.Release(OutcomeOK)
		waitForIdle(t, p, 1)
	}

	h, _ := p.Acquire(context.Background(), types.PriorityNormal)
	defer h.Release(OutcomeOK)
	if h.ID() == firstID {
		t.Error("browser past max_requests must have been replaced")
	}
}

func TestPoolShutdownRejectsAcquire(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	waitForIdle(t, p, 1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := p.Acquire(context.Background(), types.PriorityNormal)
	if !errors.Is(err, types.ErrPoolClosed) {
		t.Errorf("got %v, want ErrPoolClosed", err)
	}
}

func TestPoolShutdownWakesWaiters(t *testing.T) {
	p := New(testPoolConfig(1), fakeFactory(), slog.Default())
	waitForIdle(t, p, 1)

	h, _ := p.Acquire(context.Background(), types.PriorityNormal)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), types.PriorityNormal)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Release(OutcomeOK)
	}()
	_ = p.Shutdown(context.Background())

	select {
	case err := <-errCh:
		if !errors.Is(err, types.ErrPoolClosed) {
			t.Errorf("waiter got %v, want ErrPoolClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke after shutdown")
	}
}

func TestPoolRecycleStale(t *testing.T) {
	p := New(testPoolConfig(2), fakeFactory(), slog.Default())
	defer p.Shutdown(context.Background())
	waitForIdle(t, p, 2)

	// Everything is fresh; a cutoff in the past recycles nothing.
	if n := p.RecycleStale(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("recycled %d fresh browsers, want 0", n)
	}

	// A future cutoff makes everything stale.
	if n := p.RecycleStale(time.Now().Add(time.Hour)); n != 2 {
		t.Errorf("recycled %d, want 2", n)
	}
	waitForIdle(t, p, 2)
}
