// Package ratelimit implements an in-process sliding-window limiter for
// client-side action throttling. It is deliberately local state: the
// backend may enforce its own stricter limits, this tier only keeps a
// well-behaved client from hammering it.
package ratelimit

import (
	"sync"
	"time"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
)

// Limiter tracks action timestamps per key over a sliding window.
// The zero value is not usable; use New.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time

	// Now is the clock. Swapped in tests.
	Now func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		Now:     time.Now,
	}
}

// Allow reports whether another action under key fits inside the
// window. Timestamps older than the window are pruned first, relative
// to the current clock. An allowed action is recorded; a denied one is
// not.
func (l *Limiter) Allow(key string, max int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	cutoff := now.Add(-window)

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		l.entries[key] = kept
		metrics.RateLimitRejections.WithLabelValues(key).Inc()
		return false
	}

	l.entries[key] = append(kept, now)
	return true
}

// Clear drops all recorded actions for key.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
