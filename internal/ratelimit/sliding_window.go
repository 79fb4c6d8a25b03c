// Package ratelimit provides sliding window rate limiting for the gateway's
// REST surface.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

type bucket struct {
	hits     []time.Time
	lastSeen time.Time
}

// SlidingWindow counts requests per identifier over a rolling window. It is
// deliberately in-memory and per-instance: admission control here is a
// best-effort shield, not an accounting system.
type SlidingWindow struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSlidingWindow creates a limiter allowing `limit` requests per `window`
// per identifier. Idle buckets are dropped every cleanupInterval.
func NewSlidingWindow(window time.Duration, limit int, cleanupInterval time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		window:  window,
		limit:   limit,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}

	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	go sw.cleanupLoop(cleanupInterval)

	return sw
}

// Allow records a request attempt for the identifier and reports whether it
// fits in the window.
func (sw *SlidingWindow) Allow(identifier string) Decision {
	now := time.Now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	b, ok := sw.buckets[identifier]
	if !ok {
		b = &bucket{}
		sw.buckets[identifier] = b
	}
	b.lastSeen = now

	// Drop hits that have rolled out of the window.
	keep := b.hits[:0]
	for _, ts := range b.hits {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.hits = keep

	if len(b.hits) >= sw.limit {
		resetAt := b.hits[0].Add(sw.window)
		retryAfter := time.Until(resetAt)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Allowed: false, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	b.hits = append(b.hits, now)
	return Decision{
		Allowed:   true,
		Remaining: sw.limit - len(b.hits),
		ResetAt:   b.hits[0].Add(sw.window),
	}
}

// Limit returns the configured per-window request limit.
func (sw *SlidingWindow) Limit() int {
	return sw.limit
}

// ActiveBuckets returns the number of identifiers currently tracked.
func (sw *SlidingWindow) ActiveBuckets() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.buckets)
}

// Stop terminates the cleanup goroutine.
func (sw *SlidingWindow) Stop() {
	sw.stopOnce.Do(func() { close(sw.stop) })
}

func (sw *SlidingWindow) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * sw.window)
			sw.mu.Lock()
			for id, b := range sw.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(sw.buckets, id)
				}
			}
			sw.mu.Unlock()
		}
	}
}
