package browser

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Outcome reports how a handle holder's work ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Size        int            `json:"size"`
	Idle        int            `json:"idle"`
	InUse       int            `json:"in_use"`
	Recycling   int            `json:"recycling"`
	QueueLength int            `json:"queue_length"`
	Handled     map[string]int `json:"handled_per_browser"`
	TotalWaits  int64          `json:"total_waits"`
	WaitTotal   time.Duration  `json:"wait_total"`
}

// waiter is one blocked Acquire call. Grants are delivered on ch; cancelled
// waiters are unlinked from the heap under the pool lock.
type waiter struct {
	priority types.Priority
	seq      uint64
	ch       chan *Instance
	index    int
}

// waiterQueue is a priority-aware FIFO: lower priority value first, then the
// older enqueue sequence. Fairness invariant: among equal priorities, the
// earliest waiter is granted first.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// Pool is a bounded set of browser contexts with fair queueing and
// auto-replacement.
type Pool struct {
	cfg     config.BrowserConfig
	factory Factory
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	idle      []*Instance
	waiters   waiterQueue
	seq       uint64
	closed    bool
	spawning  int

	totalWaits int64
	waitTotal  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Handle is an exclusive grant of one browser instance. It must be released
// exactly once; Release is idempotent after the first call.
type Handle struct {
	inst     *Instance
	pool     *Pool
	mu       sync.Mutex
	released bool
}

// ID returns the held instance's id.
func (h *Handle) ID() string { return h.inst.id }

// Client returns the held browser client. Valid until Release.
func (h *Handle) Client() Client { return h.inst.client }

// Release returns the instance to the pool.
func (h *Handle) Release(outcome Outcome) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.pool.release(h.inst, outcome)
}

// New creates a pool and begins filling it to cfg.PoolSize asynchronously.
func New(cfg config.BrowserConfig, factory Factory, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.With("component", "browser_pool"),
		instances: make(map[string]*Instance, cfg.PoolSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		p.spawnLocked()
	}

	p.wg.Add(1)
	go p.healthLoop()

	return p
}

// Acquire grants an exclusive browser handle. It returns immediately when a
// healthy idle instance exists; otherwise the caller joins the wait queue
// until a grant, ctx expiry (ErrAcquireTimeout), or shutdown (ErrPoolClosed).
func (p *Pool) Acquire(ctx context.Context, priority types.Priority) (*Handle, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}

	if inst := p.popIdleLocked(); inst != nil {
		inst.state = StateInUse
		p.mu.Unlock()
		return &Handle{inst: inst, pool: p}, nil
	}

	w := &waiter{
		priority: priority,
		seq:      p.seq,
		ch:       make(chan *Instance, 1),
	}
	p.seq++
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	select {
	case inst, ok := <-w.ch:
		if !ok {
			return nil, types.ErrPoolClosed
		}
		p.mu.Lock()
		p.totalWaits++
		p.waitTotal += time.Since(start)
		p.mu.Unlock()
		return &Handle{inst: inst, pool: p}, nil

	case <-ctx.Done():
		p.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&p.waiters, w.index)
			p.mu.Unlock()
			return nil, types.ErrAcquireTimeout
		}
		p.mu.Unlock()
		// A grant raced the deadline; take it and hand it straight back.
		select {
		case inst, ok := <-w.ch:
			if ok {
				p.release(inst, OutcomeOK)
			}
		default:
		}
		return nil, types.ErrAcquireTimeout
	}
}

// release returns inst to the pool, recycling it when it has failed too often,
// served its quota, or outlived its max age.
func (p *Pool) release(inst *Instance, outcome Outcome) {
	p.mu.Lock()

	inst.lastActivityAt = time.Now()
	if outcome == OutcomeOK {
		inst.handledCount++
	} else {
		inst.failureCount++
	}

	if p.closed {
		inst.state = StateDead
		delete(p.instances, inst.id)
		p.mu.Unlock()
		_ = inst.client.Close()
		return
	}

	if p.shouldRecycleLocked(inst) {
		p.recycleLocked(inst)
		p.mu.Unlock()
		return
	}

	p.grantOrParkLocked(inst)
	p.mu.Unlock()
}

// RecycleStale recycles idle instances whose last activity predates cutoff.
// Called by the resource monitor. Returns the number recycled.
func (p *Pool) RecycleStale(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	recycled := 0
	remaining := p.idle[:0]
	for _, inst := range p.idle {
		if inst.lastActivityAt.Before(cutoff) {
			p.recycleIdleLocked(inst)
			recycled++
		} else {
			remaining = append(remaining, inst)
		}
	}
	p.idle = remaining
	return recycled
}

// Stats returns a pool snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:        len(p.instances),
		QueueLength: p.waiters.Len(),
		Handled:     make(map[string]int, len(p.instances)),
		TotalWaits:  p.totalWaits,
		WaitTotal:   p.waitTotal,
	}
	for _, inst := range p.instances {
		s.Handled[inst.id] = inst.handledCount
		switch inst.state {
		case StateIdle:
			s.Idle++
		case StateInUse:
			s.InUse++
		case StateRecycling:
			s.Recycling++
		}
	}
	return s
}

// Shutdown stops the pool. New acquires fail immediately; waiters are woken
// with ErrPoolClosed; in-use instances get the configured grace period before
// being closed out from under their holders.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for p.waiters.Len() > 0 {
		w := heap.Pop(&p.waiters).(*waiter)
		close(w.ch)
	}

	for _, inst := range p.idle {
		inst.state = StateDead
		delete(p.instances, inst.id)
		go inst.client.Close()
	}
	p.idle = nil
	p.mu.Unlock()

	p.cancel()

	// Let in-flight holders finish within the grace period.
	deadline := time.After(p.cfg.ShutdownGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		busy := len(p.instances)
		p.mu.Unlock()
		if busy == 0 {
			break
		}

		select {
		case <-deadline:
			p.forceCloseRemaining()
			p.wg.Wait()
			return ctx.Err()
		case <-ctx.Done():
			p.forceCloseRemaining()
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	p.wg.Wait()
	p.logger.Info("browser pool shut down")
	return nil
}

func (p *Pool) forceCloseRemaining() {
	p.mu.Lock()
	leftover := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		leftover = append(leftover, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	for _, inst := range leftover {
		p.logger.Warn("force-closing browser past grace period", "browser_id", inst.id)
		_ = inst.client.Close()
	}
}

// popIdleLocked removes and returns one idle instance, or nil.
func (p *Pool) popIdleLocked() *Instance {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	inst := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return inst
}

// grantOrParkLocked hands inst to the best waiter or returns it to idle.
func (p *Pool) grantOrParkLocked(inst *Instance) {
	if p.waiters.Len() > 0 {
		w := heap.Pop(&p.waiters).(*waiter)
		inst.state = StateInUse
		w.ch <- inst
		return
	}
	inst.state = StateIdle
	p.idle = append(p.idle, inst)
}

func (p *Pool) shouldRecycleLocked(inst *Instance) bool {
	if inst.failureCount >= p.cfg.FailureThreshold {
		return true
	}
	if p.cfg.MaxRequests > 0 && inst.handledCount >= p.cfg.MaxRequests {
		return true
	}
	if p.cfg.MaxAge > 0 && time.Since(inst.createdAt) >= p.cfg.MaxAge {
		return true
	}
	return false
}

// recycleLocked tears down inst and spawns a replacement. Caller holds the lock.
func (p *Pool) recycleLocked(inst *Instance) {
	inst.state = StateRecycling
	p.logger.Info("recycling browser",
		"browser_id", inst.id,
		"handled", inst.handledCount,
		"failures", inst.failureCount,
		"age", time.Since(inst.createdAt),
	)

	delete(p.instances, inst.id)
	go inst.client.Close()
	p.spawnLocked()
}

// recycleIdleLocked is recycleLocked for instances already removed from idle.
func (p *Pool) recycleIdleLocked(inst *Instance) {
	inst.state = StateRecycling
	delete(p.instances, inst.id)
	go inst.client.Close()
	p.spawnLocked()
}

// spawnLocked starts asynchronous creation of one instance. Caller holds the
// lock (or is the constructor before the pool is visible).
func (p *Pool) spawnLocked() {
	p.spawning++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var client Client
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			client, err = p.factory(p.ctx)
			if err == nil {
				break
			}
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("browser launch failed", "attempt", attempt+1, "error", err)
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		p.spawning--

		if err != nil {
			return
		}
		if p.closed {
			go client.Close()
			return
		}

		inst := newInstance(client)
		p.instances[inst.id] = inst
		p.grantOrParkLocked(inst)
		p.logger.Debug("browser ready", "browser_id", inst.id)
	}()
}

// healthLoop pings idle instances and replaces dead ones.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	idle := make([]*Instance, len(p.idle))
	copy(idle, p.idle)
	p.mu.Unlock()

	for _, inst := range idle {
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := inst.client.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}

		p.logger.Warn("browser failed health check", "browser_id", inst.id, "error", err)

		p.mu.Lock()
		// Only replace it if it is still idle; a holder's release path will
		// catch in-use failures through the failure count.
		if inst.state == StateIdle && !p.closed {
			for i, cand := range p.idle {
				if cand == inst {
					p.idle = append(p.idle[:i], p.idle[i+1:]...)
					inst.state = StateDead
					delete(p.instances, inst.id)
					go inst.client.Close()
					p.spawnLocked()
					break
				}
			}
		}
		p.mu.Unlock()
	}
}
