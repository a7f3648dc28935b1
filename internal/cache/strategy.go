package cache

import (
	"time"
)

// Strategy decides which entry the fast tier evicts under size pressure.
// Concrete strategies are selected by name at construction; they share the
// tier's internal bookkeeping rather than forming a type hierarchy.
type Strategy interface {
	Name() string

	// OnAccess is called with the tier lock held after a successful read.
	OnAccess(e *entry, now time.Time)

	// OnInsert is called with the tier lock held after an insert.
	OnInsert(e *entry, now time.Time)

	// PickVictim returns the next entry to evict, or nil if the tier is empty.
	// Called with the tier lock held.
	PickVictim(m *Memory, now time.Time) *entry
}

// NewStrategy returns the strategy registered under name, defaulting to hybrid.
func NewStrategy(name string) Strategy {
	switch name {
	case "lru":
		return lruStrategy{}
	case "ttl":
		return ttlStrategy{}
	case "smart":
		return smartStrategy{}
	default:
		return hybridStrategy{}
	}
}

// lruStrategy evicts the least-recently-used entry.
type lruStrategy struct{}

func (lruStrategy) Name() string { return "lru" }

func (lruStrategy) OnAccess(e *entry, _ time.Time) {
	e.owner.order.MoveToFront(e.elem)
}

func (lruStrategy) OnInsert(_ *entry, _ time.Time) {}

func (lruStrategy) PickVictim(m *Memory, _ time.Time) *entry {
	back := m.order.Back()
	if back == nil {
		return nil
	}
	return back.Value.(*entry)
}

// ttlStrategy evicts expired entries first, then the one closest to expiry.
type ttlStrategy struct{}

func (ttlStrategy) Name() string { return "ttl" }

func (ttlStrategy) OnAccess(_ *entry, _ time.Time) {}

func (ttlStrategy) OnInsert(_ *entry, _ time.Time) {}

func (ttlStrategy) PickVictim(m *Memory, now time.Time) *entry {
	var victim *entry
	for _, e := range m.entries {
		if e.expired(now) {
			return e
		}
		if victim == nil {
			victim = e
			continue
		}
		// Entries without expiry lose to ones that expire.
		switch {
		case victim.expiresAt.IsZero() && !e.expiresAt.IsZero():
			victim = e
		case !victim.expiresAt.IsZero() && !e.expiresAt.IsZero() && e.expiresAt.Before(victim.expiresAt):
			victim = e
		}
	}
	return victim
}

// hybridStrategy is LRU with a TTL short-circuit: expired entries go first.
type hybridStrategy struct{}

func (hybridStrategy) Name() string { return "hybrid" }

func (hybridStrategy) OnAccess(e *entry, _ time.Time) {
	e.owner.order.MoveToFront(e.elem)
}

func (hybridStrategy) OnInsert(_ *entry, _ time.Time) {}

func (hybridStrategy) PickVictim(m *Memory, now time.Time) *entry {
	for _, e := range m.entries {
		if e.expired(now) {
			return e
		}
	}
	return lruStrategy{}.PickVictim(m, now)
}

// smartStrategy scores entries by freq * recency / size and evicts the lowest.
type smartStrategy struct{}

func (smartStrategy) Name() string { return "smart" }

func (smartStrategy) OnAccess(e *entry, _ time.Time) {
	e.owner.order.MoveToFront(e.elem)
}

func (smartStrategy) OnInsert(_ *entry, _ time.Time) {}

func (smartStrategy) PickVictim(m *Memory, now time.Time) *entry {
	var victim *entry
	var victimScore float64
	for _, e := range m.entries {
		if e.expired(now) {
			return e
		}
		score := smartScore(e, now)
		if victim == nil || score < victimScore {
			victim = e
			victimScore = score
		}
	}
	return victim
}

func smartScore(e *entry, now time.Time) float64 {
	age := now.Sub(e.lastAccessedAt).Seconds()
	recency := 1.0 / (1.0 + age)
	freq := float64(e.hits + 1)
	size := float64(e.size)
	if size < 1 {
		size = 1
	}
	return freq * recency / size
}
