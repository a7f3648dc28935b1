// Package cache implements the two-tier result cache: a bounded in-process
// fast tier and an optional Redis durable tier, fronted by write-through
// semantics. Values are stored as compressed frames keyed by request
// fingerprints.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// TieredStats aggregates counters across both tiers.
type TieredStats struct {
	HitRate float64     `json:"hit_rate"`
	Gets    int64       `json:"gets"`
	Puts    int64       `json:"puts"`
	Fast    MemoryStats `json:"fast"`
	Durable *RedisStats `json:"durable,omitempty"`
}

// Tiered fronts the fast and durable tiers. The durable tier may be nil, in
// which case the cache is in-process only.
type Tiered struct {
	fast    *Memory
	durable *Redis
	logger  *slog.Logger

	fastTTL    time.Duration
	durableTTL time.Duration

	gets atomic.Int64
	puts atomic.Int64
	hits atomic.Int64
}

// NewTiered assembles the cache front. durable may be nil.
func NewTiered(fast *Memory, durable *Redis, fastTTL, durableTTL time.Duration, logger *slog.Logger) *Tiered {
	return &Tiered{
		fast:       fast,
		durable:    durable,
		logger:     logger.With("component", "cache"),
		fastTTL:    fastTTL,
		durableTTL: durableTTL,
	}
}

// Get returns the decoded value for key, or false on miss. A durable-tier hit
// is promoted into the fast tier with a TTL capped by the entry's remaining
// durable lifetime. A corrupt frame is evicted and treated as a miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	t.gets.Add(1)

	if frame, ok := t.fast.Get(key); ok {
		value, err := Decode(frame)
		if err != nil {
			t.evictCorrupt(ctx, key, err)
			return nil, false
		}
		t.hits.Add(1)
		return value, true
	}

	if t.durable == nil {
		return nil, false
	}

	frame, ok := t.durable.Get(ctx, key)
	if !ok {
		return nil, false
	}
	value, err := Decode(frame)
	if err != nil {
		t.evictCorrupt(ctx, key, err)
		return nil, false
	}

	promoteTTL := t.fastTTL
	if remaining := t.durable.TTL(ctx, key); remaining > 0 && remaining < promoteTTL {
		promoteTTL = remaining
	}
	t.fast.Put(key, frame, promoteTTL)

	t.hits.Add(1)
	return value, true
}

// Put encodes value once and writes it through both tiers with the default
// TTLs. A failure in one tier does not fail the other.
func (t *Tiered) Put(ctx context.Context, key string, value []byte) error {
	return t.PutWithTTL(ctx, key, value, t.fastTTL, t.durableTTL)
}

// PutWithTTL is Put with explicit per-tier TTLs.
func (t *Tiered) PutWithTTL(ctx context.Context, key string, value []byte, fastTTL, durableTTL time.Duration) error {
	t.puts.Add(1)

	frame, err := Encode(value)
	if err != nil {
		return types.NewTaskError(types.KindCacheError, "encode cache frame", err)
	}

	t.fast.Put(key, frame, fastTTL)
	if t.durable != nil {
		// Durable failures are already logged by the tier; callers see a miss
		// later, never an error now.
		_ = t.durable.Set(ctx, key, frame, durableTTL)
	}
	return nil
}

// Delete removes an exact key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) int {
	removed := 0
	if t.fast.Delete(key) {
		removed++
	}
	if t.durable != nil {
		removed += t.durable.Delete(ctx, key)
	}
	return removed
}

// Invalidate removes keys matching pattern (glob) from both tiers, or the
// exact key if pattern contains no glob metacharacters. Returns the count
// removed across tiers.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) int {
	if !strings.ContainsAny(pattern, "*?[") {
		return t.Delete(ctx, pattern)
	}
	removed := t.fast.InvalidatePattern(pattern)
	if t.durable != nil {
		removed += t.durable.InvalidatePattern(ctx, pattern)
	}
	return removed
}

// Trim asks the fast tier to shed a fraction of its bytes. Used by the
// resource monitor under memory pressure.
func (t *Tiered) Trim(fraction float64) int {
	return t.fast.Trim(fraction)
}

// Stats returns aggregate and per-tier counters.
func (t *Tiered) Stats(ctx context.Context) TieredStats {
	gets := t.gets.Load()
	stats := TieredStats{
		Gets: gets,
		Puts: t.puts.Load(),
		Fast: t.fast.Stats(),
	}
	if gets > 0 {
		stats.HitRate = float64(t.hits.Load()) / float64(gets)
	}
	if t.durable != nil {
		ds := t.durable.Stats(ctx)
		stats.Durable = &ds
	}
	return stats
}

// Close shuts down both tiers.
func (t *Tiered) Close() error {
	t.fast.Close()
	if t.durable != nil {
		return t.durable.Close()
	}
	return nil
}

func (t *Tiered) evictCorrupt(ctx context.Context, key string, err error) {
	if errors.Is(err, types.ErrCorruptFrame) {
		t.logger.Warn("evicting corrupt cache entry", "key", key, "error", err)
	} else {
		t.logger.Warn("cache decode failed", "key", key, "error", err)
	}
	t.Delete(ctx, key)
}
