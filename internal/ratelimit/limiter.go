// Package ratelimit implements per-client admission control: sliding windows
// over minute/hour/day plus a burst bucket, per-endpoint rule profiles, and an
// abuse score with cool-down. Buckets live in a sharded map with one mutex per
// bucket; checks never block on I/O.
package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/config"
)

const (
	shardCount  = 32
	burstWindow = time.Second
	idleExpiry  = 25 * time.Hour
)

// Deny reasons surfaced in decisions.
const (
	ReasonBurst    = "burst_limit"
	ReasonMinute   = "per_minute_limit"
	ReasonHour     = "per_hour_limit"
	ReasonDay      = "per_day_limit"
	ReasonCooldown = "abuse_cooldown"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Clients  int   `json:"clients"`
	Admitted int64 `json:"admitted"`
	Denied   int64 `json:"denied"`
}

// bucket holds one client's sliding windows and abuse state. All fields are
// guarded by mu; at most one writer touches a bucket at a time.
type bucket struct {
	mu sync.Mutex

	// events holds admission timestamps per endpoint, ascending, pruned to the
	// largest window (one day).
	events map[string][]time.Time

	abuseScore    float64
	lastDecayAt   time.Time
	cooldownUntil time.Time
	lastSeen      time.Time
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter is the admission controller.
type Limiter struct {
	cfg    config.RateLimitConfig
	shards [shardCount]*shard
	logger *slog.Logger

	admitted atomic.Int64
	denied   atomic.Int64
}

// New creates a Limiter from config.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// StartJanitor launches the periodic idle-bucket sweep; it stops with ctx.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := l.sweepIdle()
				if removed > 0 {
					l.logger.Debug("dropped idle rate buckets", "removed", removed)
				}
			}
		}
	}()
}

// Check admits or denies one request from clientID against the endpoint's rule
// profile. On denial the abuse score is bumped and the decision carries the
// most imminent reset as RetryAfter.
func (l *Limiter) Check(clientID, endpoint string) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}

	now := time.Now()
	rule := l.ruleFor(endpoint)
	b := l.bucketFor(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now
	l.decayLocked(b, now)

	if now.Before(b.cooldownUntil) {
		l.denied.Add(1)
		return Decision{Reason: ReasonCooldown, RetryAfter: b.cooldownUntil.Sub(now)}
	}

	events := pruneBefore(b.events[endpoint], now.Add(-24*time.Hour))
	b.events[endpoint] = events

	type window struct {
		reason string
		span   time.Duration
		limit  int
	}
	windows := []window{
		{ReasonBurst, burstWindow, rule.Burst},
		{ReasonMinute, time.Minute, rule.PerMinute},
		{ReasonHour, time.Hour, rule.PerHour},
		{ReasonDay, 24 * time.Hour, rule.PerDay},
	}

	for _, w := range windows {
		count, oldest := countSince(events, now.Add(-w.span))
		if count >= w.limit {
			b.abuseScore += l.cfg.AbuseDenyStep
			l.maybeCooldownLocked(b, now)
			l.denied.Add(1)
			return Decision{
				Reason:     w.reason,
				RetryAfter: oldest.Add(w.span).Sub(now),
			}
		}
	}

	b.events[endpoint] = append(events, now)
	l.admitted.Add(1)
	return Decision{Allowed: true}
}

// ReportSignal adds weight to a client's abuse score without counting as a
// denial (missing or blacklisted user agents, rapid identical requests).
func (l *Limiter) ReportSignal(clientID string, weight float64) {
	if !l.cfg.Enabled {
		return
	}
	now := time.Now()
	b := l.bucketFor(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now
	l.decayLocked(b, now)
	b.abuseScore += weight
	l.maybeCooldownLocked(b, now)
}

// OnResponseOK decays the client's abuse score toward zero.
func (l *Limiter) OnResponseOK(clientID string) {
	if !l.cfg.Enabled {
		return
	}
	b := l.bucketFor(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.decayLocked(b, time.Now())
}

// AbuseScore returns the client's current score (after lazy decay).
func (l *Limiter) AbuseScore(clientID string) float64 {
	b := l.bucketFor(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.decayLocked(b, time.Now())
	return b.abuseScore
}

// Stats returns limiter counters.
func (l *Limiter) Stats() Stats {
	clients := 0
	for _, s := range l.shards {
		s.mu.RLock()
		clients += len(s.buckets)
		s.mu.RUnlock()
	}
	return Stats{
		Clients:  clients,
		Admitted: l.admitted.Load(),
		Denied:   l.denied.Load(),
	}
}

func (l *Limiter) ruleFor(endpoint string) config.RateLimitRule {
	if rule, ok := l.cfg.Endpoints[endpoint]; ok {
		return rule
	}
	return l.cfg.Default
}

func (l *Limiter) bucketFor(clientID string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	s := l.shards[h.Sum32()%shardCount]

	s.mu.RLock()
	b, ok := s.buckets[clientID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[clientID]; ok {
		return b
	}
	b = &bucket{
		events:      make(map[string][]time.Time),
		lastDecayAt: time.Now(),
		lastSeen:    time.Now(),
	}
	s.buckets[clientID] = b
	return b
}

// decayLocked applies time-based abuse decay. Caller holds b.mu.
func (l *Limiter) decayLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastDecayAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastDecayAt = now
	b.abuseScore -= elapsed * l.cfg.AbuseDecayRate
	if b.abuseScore < 0 {
		b.abuseScore = 0
	}
}

// maybeCooldownLocked starts a cool-down once the score crosses the threshold.
func (l *Limiter) maybeCooldownLocked(b *bucket, now time.Time) {
	if b.abuseScore >= l.cfg.AbuseThreshold && now.After(b.cooldownUntil) {
		b.cooldownUntil = now.Add(l.cfg.CooldownPeriod)
		l.logger.Warn("client entered abuse cooldown",
			"score", b.abuseScore,
			"until", b.cooldownUntil,
		)
	}
}

func (l *Limiter) sweepIdle() int {
	cutoff := time.Now().Add(-idleExpiry)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(s.buckets, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// pruneBefore drops events older than cutoff. Events are ascending.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(events), func(i int) bool {
		return events[i].After(cutoff)
	})
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

// countSince returns how many events fall after cutoff and the oldest of them.
func countSince(events []time.Time, cutoff time.Time) (int, time.Time) {
	i := sort.Search(len(events), func(i int) bool {
		return events[i].After(cutoff)
	})
	count := len(events) - i
	if count == 0 {
		return 0, time.Time{}
	}
	return count, events[i]
}
