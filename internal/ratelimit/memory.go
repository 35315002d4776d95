package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	idleTTL       = 10 * time.Minute
)

// entry is the bucket state for one key. tokens refills continuously at the
// limiter's rate and is capped at burst.
type entry struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is an in-process token bucket keyed by caller-chosen strings.
// Suitable for single-instance deployments; a multi-instance fleet needs a
// shared store in front of it.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	entries map[string]*entry

	stop sync.Once
	done chan struct{}
}

// NewMemoryLimiter builds a limiter refilling rate tokens per second per key
// with capacity burst. A background sweeper drops keys idle for ten minutes;
// Close stops it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow spends one token for key, reporting whether the request may proceed.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		// New key: full bucket, spend one immediately.
		m.entries[key] = &entry{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	e.tokens = min(e.tokens+now.Sub(e.seen).Seconds()*m.rate, m.burst)
	e.seen = now
	if e.tokens < 1 {
		return false, nil
	}
	e.tokens--
	return true, nil
}

// Close stops the background sweeper. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stop.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops entries whose last request is older than idleTTL.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if now.Sub(e.seen) > idleTTL {
			delete(m.entries, key)
		}
	}
}
