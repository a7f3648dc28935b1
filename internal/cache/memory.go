package cache

import (
	"container/list"
	"context"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// entry is a single fast-tier record. The frame bytes are immutable after
// insert; updates to a key insert a new entry and drop the old one. Bookkeeping
// fields (hits, lastAccessedAt) mutate only under the tier lock.
type entry struct {
	key            string
	frame          []byte
	createdAt      time.Time
	expiresAt      time.Time // zero = no expiry
	lastAccessedAt time.Time
	hits           int64
	size           int64
	elem           *list.Element
	owner          *Memory
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStats is a point-in-time snapshot of the fast tier.
type MemoryStats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Strategy  string `json:"strategy"`
}

// Memory is the bounded in-process cache tier. A single mutex guards the map
// and the recency list; all operations are memory-only, so no I/O ever happens
// under the lock.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // front = most recently used
	bytes      int64
	maxEntries int
	maxBytes   int64
	strategy   Strategy
	logger     *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	sweepCancel context.CancelFunc
}

// NewMemory creates a fast tier bounded by entry count and total frame bytes.
func NewMemory(maxEntries int, maxBytes int64, strategy string, logger *slog.Logger) *Memory {
	return &Memory{
		entries:    make(map[string]*entry, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		strategy:   NewStrategy(strategy),
		logger:     logger.With("component", "memory_cache"),
	}
}

// StartSweeper launches the periodic expired-entry sweep. Stop with Close.
func (m *Memory) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.SweepExpired()
				if removed > 0 {
					m.logger.Debug("swept expired entries", "removed", removed)
				}
			}
		}
	}()
}

// Get returns the stored frame for key, or false if absent or expired. An
// expired entry is removed on the spot.
func (m *Memory) Get(key string) ([]byte, bool) {
	now := time.Now()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		m.removeLocked(e)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}
	e.hits++
	e.lastAccessedAt = now
	m.strategy.OnAccess(e, now)
	frame := e.frame
	m.mu.Unlock()

	m.hits.Add(1)
	return frame, true
}

// Put inserts a frame under key with the given TTL (0 = no expiry), evicting
// per the configured strategy until the new entry fits.
func (m *Memory) Put(key string, frame []byte, ttl time.Duration) {
	now := time.Now()
	e := &entry{
		key:            key,
		frame:          frame,
		createdAt:      now,
		lastAccessedAt: now,
		size:           int64(len(frame)),
		owner:          m,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.removeLocked(old)
	}

	// Evict until the new entry fits. A frame larger than the whole tier is
	// simply not cached.
	if e.size > m.maxBytes {
		return
	}
	for len(m.entries) >= m.maxEntries || m.bytes+e.size > m.maxBytes {
		victim := m.strategy.PickVictim(m, now)
		if victim == nil {
			break
		}
		m.removeLocked(victim)
		m.evictions.Add(1)
	}

	e.elem = m.order.PushFront(e)
	m.entries[key] = e
	m.bytes += e.size
	m.strategy.OnInsert(e, now)
}

// Delete removes key. Returns true if an entry was present.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	m.removeLocked(e)
	return true
}

// InvalidatePattern removes all keys matching a glob pattern and returns the
// count removed.
func (m *Memory) InvalidatePattern(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if ok, _ := path.Match(pattern, key); ok {
			m.removeLocked(e)
			removed++
		}
	}
	return removed
}

// SweepExpired removes all expired entries and returns the count removed.
func (m *Memory) SweepExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Trim evicts entries per the strategy until the tier holds at most
// (1-fraction) of its current bytes. Used by the resource monitor.
func (m *Memory) Trim(fraction float64) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	target := int64(float64(m.bytes) * (1 - fraction))
	removed := 0
	for m.bytes > target {
		victim := m.strategy.PickVictim(m, now)
		if victim == nil {
			break
		}
		m.removeLocked(victim)
		m.evictions.Add(1)
		removed++
	}
	return removed
}

// Len returns the current entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns a snapshot of tier counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	entries := len(m.entries)
	bytes := m.bytes
	m.mu.Unlock()

	return MemoryStats{
		Entries:   entries,
		Bytes:     bytes,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Strategy:  m.strategy.Name(),
	}
}

// Close stops the sweeper and drops all entries.
func (m *Memory) Close() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.order.Init()
	m.bytes = 0
}

// removeLocked unlinks e from the map and recency list. Caller holds the lock.
func (m *Memory) removeLocked(e *entry) {
	delete(m.entries, e.key)
	if e.elem != nil {
		m.order.Remove(e.elem)
		e.elem = nil
	}
	m.bytes -= e.size
}
