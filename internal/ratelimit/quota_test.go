package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(clock *fakeClock) *DailyTracker {
	t := NewDailyTracker()
	t.now = clock.Now
	return t
}

func TestDailyTrackerEnforcesCap(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	for i := 0; i < 3; i++ {
		assert.True(t, tracker.Allow("alphavantage", 3))
	}
	assert.False(t, tracker.Allow("alphavantage", 3))
	assert.Equal(t, 3, tracker.Used("alphavantage"))
}

func TestDailyTrackerUncappedProvider(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	for i := 0; i < 100; i++ {
		assert.True(t, tracker.Allow("finnhub", 0))
	}
}

func TestDailyTrackerRollsOverAtMidnight(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	require.True(t, tracker.Allow("alphavantage", 1))
	require.False(t, tracker.Allow("alphavantage", 1))

	clock.Advance(24 * time.Hour)

	assert.True(t, tracker.Allow("alphavantage", 1))
	assert.Equal(t, 1, tracker.Used("alphavantage"))
}

func TestDailyTrackerCountsProvidersIndependently(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	require.True(t, tracker.Allow("alphavantage", 1))
	require.False(t, tracker.Allow("alphavantage", 1))

	assert.True(t, tracker.Allow("polygon", 1))
}

func TestDailyTrackerResetAt(t *testing.T) {
	clock := newFakeClock() // 2025-06-01 12:00 UTC
	tracker := newTestTracker(clock)

	want := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want, tracker.ResetAt())
}

func TestDailyTrackerPrune(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	require.True(t, tracker.Allow("alphavantage", 10))

	clock.Advance(24 * time.Hour)
	require.True(t, tracker.Allow("alphavantage", 10))

	clock.Advance(3 * 24 * time.Hour)
	require.True(t, tracker.Allow("alphavantage", 10))

	removed := tracker.Prune(2)
	assert.Equal(t, 2, removed)
	// today's counter survives
	assert.Equal(t, 1, tracker.Used("alphavantage"))
}
