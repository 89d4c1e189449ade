package ratelimit

import (
	"sync"
	"time"
)

// LeakyBucket models a capacity-bounded fill level that drains linearly
// over time: Add tops up the level (after accounting for drain since the
// last call) and reports whether the proposed addition would overflow the
// configured capacity. `golang.org/x/time/rate`'s token bucket doesn't
// expose a queryable fill level, so this is hand rolled to the exact
// linear-drain model callers need.
type LeakyBucket struct {
	mu        sync.Mutex
	capacity  float64
	drainRate float64 // units drained per second
	fillLevel float64
	lastDrain time.Time
}

// NewLeakyBucket creates a bucket with the given capacity that drains at
// one unit per drainPeriod.
func NewLeakyBucket(capacity float64, drainPeriod time.Duration) *LeakyBucket {
	rate := 0.0
	if drainPeriod > 0 {
		rate = 1.0 / drainPeriod.Seconds()
	}
	return &LeakyBucket{
		capacity:  capacity,
		drainRate: rate,
		lastDrain: time.Now(),
	}
}

// drainLocked applies linear drain for the time elapsed since the last
// drain or Add call. Caller holds mu.
func (b *LeakyBucket) drainLocked(now time.Time) {
	elapsed := now.Sub(b.lastDrain).Seconds()
	if elapsed <= 0 {
		return
	}
	b.fillLevel -= elapsed * b.drainRate
	if b.fillLevel < 0 {
		b.fillLevel = 0
	}
	b.lastDrain = now
}

// Add adds amount to the fill level after draining for elapsed time.
// Returns the resulting fill level (saturated at capacity) and whether
// adding amount would have overflowed the bucket's capacity.
func (b *LeakyBucket) Add(amount float64) (fillLevel float64, overflowing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.drainLocked(now)

	proposed := b.fillLevel + amount
	if proposed > b.capacity {
		overflowing = true
		b.fillLevel = b.capacity
	} else {
		b.fillLevel = proposed
	}
	return b.fillLevel, overflowing
}

// GetFillLevel returns the current fill level after applying drain for the
// elapsed time, without adding anything.
func (b *LeakyBucket) GetFillLevel() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainLocked(time.Now())
	return b.fillLevel
}

// Capacity returns the bucket's configured capacity.
func (b *LeakyBucket) Capacity() float64 {
	return b.capacity
}
