// Package ratelimit provides per-provider request budgeting: a token bucket
// for burst control and a calendar-day quota tracker for daily caps.
package ratelimit

import (
	"sync"
	"time"
)

// Budget describes a provider's burst allowance.
type Budget struct {
	// Capacity is the maximum number of tokens the bucket can hold
	Capacity float64 `json:"capacity"`
	// RefillPerSecond is the steady-state token refill rate
	RefillPerSecond float64 `json:"refill_per_second"`
}

// Bucket is a token bucket with lazy refill. Tokens accumulate at
// RefillPerSecond up to Capacity; a request consumes tokens if enough are
// available. Refill happens on access, so no background timer is needed.
//
// A Bucket is safe for concurrent use; all mutation happens under its mutex.
type Bucket struct {
	mu              sync.Mutex
	capacity        float64
	refillPerSecond float64
	tokens          float64
	lastRefill      time.Time

	// now is overridable for deterministic tests
	now func() time.Time
}

// NewBucket creates a full bucket for the given budget.
func NewBucket(budget Budget) *Bucket {
	if budget.Capacity <= 0 {
		budget.Capacity = 1
	}
	if budget.RefillPerSecond <= 0 {
		budget.RefillPerSecond = budget.Capacity
	}

	b := &Bucket{
		capacity:        budget.Capacity,
		refillPerSecond: budget.RefillPerSecond,
		tokens:          budget.Capacity, // start full to allow an initial burst
		now:             time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked adds tokens for the elapsed time since the last refill,
// capped at capacity. Callers must hold b.mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.refillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume takes n tokens if available and reports whether it succeeded.
// Exhaustion is not an error; callers decide whether to reject or wait.
func (b *Bucket) TryConsume(n float64) bool {
	if n <= 0 {
		n = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Available returns the current token count after refill.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// Reset refills the bucket to capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.capacity
	b.lastRefill = b.now()
}

// NextTokenIn returns how long until one full token is available. Zero means
// a token is available now. Used to compute Retry-After hints.
func (b *Bucket) NextTokenIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}

	deficit := 1 - b.tokens
	return time.Duration(deficit / b.refillPerSecond * float64(time.Second))
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}
