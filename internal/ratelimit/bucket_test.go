package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a manually advanced time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBucket(budget Budget, clock *fakeClock) *Bucket {
	b := NewBucket(budget)
	b.now = clock.Now
	b.lastRefill = clock.Now()
	return b
}

func TestBucketStartsFull(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 5, RefillPerSecond: 1}, clock)

	assert.Equal(t, 5.0, b.Available())
	for i := 0; i < 5; i++ {
		assert.True(t, b.TryConsume(1), "consume %d should succeed", i)
	}
	assert.False(t, b.TryConsume(1), "empty bucket should reject")
}

func TestBucketLazyRefill(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 5, RefillPerSecond: 1}, clock)

	for i := 0; i < 5; i++ {
		require.True(t, b.TryConsume(1))
	}
	require.False(t, b.TryConsume(1))

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 2.0, b.Available(), 1e-9)
	assert.True(t, b.TryConsume(1))
	assert.True(t, b.TryConsume(1))
	assert.False(t, b.TryConsume(1))
}

func TestBucketRefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 3, RefillPerSecond: 10}, clock)

	require.True(t, b.TryConsume(1))
	clock.Advance(time.Hour)

	assert.Equal(t, 3.0, b.Available())
}

func TestBucketSlowRefillBudget(t *testing.T) {
	// 5 tokens refilled over a minute, the shape used for a 500/day provider
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 5, RefillPerSecond: 5.0 / 60.0}, clock)

	for i := 0; i < 5; i++ {
		require.True(t, b.TryConsume(1))
	}
	require.False(t, b.TryConsume(1))

	clock.Advance(12 * time.Second) // exactly one token accrues
	assert.True(t, b.TryConsume(1))
	assert.False(t, b.TryConsume(1))
}

func TestBucketMonotonicityUnderConcurrency(t *testing.T) {
	b := NewBucket(Budget{Capacity: 10, RefillPerSecond: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.TryConsume(1)
				avail := b.Available()
				if avail < 0 || avail > b.Capacity() {
					t.Errorf("available tokens out of range: %f", avail)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestBucketReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 4, RefillPerSecond: 0.1}, clock)

	for i := 0; i < 4; i++ {
		require.True(t, b.TryConsume(1))
	}
	require.False(t, b.TryConsume(1))

	b.Reset()
	assert.Equal(t, 4.0, b.Available())
}

func TestBucketNextTokenIn(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(Budget{Capacity: 1, RefillPerSecond: 0.5}, clock)

	assert.Equal(t, time.Duration(0), b.NextTokenIn())

	require.True(t, b.TryConsume(1))
	assert.Equal(t, 2*time.Second, b.NextTokenIn())

	clock.Advance(time.Second)
	assert.Equal(t, time.Second, b.NextTokenIn())
}

func TestRegistryCreatesBucketsLazily(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.Stats())

	assert.True(t, r.TryConsume("finnhub", Budget{Capacity: 2, RefillPerSecond: 1}))
	assert.True(t, r.TryConsume("finnhub", Budget{Capacity: 2, RefillPerSecond: 1}))
	assert.False(t, r.TryConsume("finnhub", Budget{Capacity: 2, RefillPerSecond: 1}))

	stats := r.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, "finnhub")
}

func TestRegistryKeepsOriginalBudget(t *testing.T) {
	r := NewRegistry()

	b1 := r.Bucket("polygon", Budget{Capacity: 5, RefillPerSecond: 5})
	b2 := r.Bucket("polygon", Budget{Capacity: 99, RefillPerSecond: 99})

	assert.Same(t, b1, b2)
	assert.Equal(t, 5.0, b2.Capacity())
}
