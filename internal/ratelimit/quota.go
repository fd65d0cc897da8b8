package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const dayFormat = "2006-01-02"

// DailyTracker counts requests per (provider, calendar day). Counters are
// created lazily on first use; the day rolling over simply starts a new
// counter under a new key. Old counters are removed by Prune, typically from
// a scheduled sweep.
type DailyTracker struct {
	mu     sync.Mutex
	counts map[string]int

	// now is overridable for deterministic tests
	now func() time.Time
}

// NewDailyTracker creates an empty daily quota tracker.
func NewDailyTracker() *DailyTracker {
	return &DailyTracker{
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// Allow records one request for the provider and reports whether it fits in
// maxPerDay. A maxPerDay of zero or less means the provider has no daily cap.
func (t *DailyTracker) Allow(provider string, maxPerDay int) bool {
	if maxPerDay <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.keyFor(provider)
	if t.counts[key] >= maxPerDay {
		return false
	}
	t.counts[key]++
	return true
}

// Used returns today's count for the provider.
func (t *DailyTracker) Used(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[t.keyFor(provider)]
}

// ResetAt returns when the current quota day ends (next UTC midnight).
func (t *DailyTracker) ResetAt() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Prune removes counters older than keepDays calendar days. The source model
// never pruned; see DESIGN.md for the tradeoff.
func (t *DailyTracker) Prune(keepDays int) int {
	if keepDays < 1 {
		keepDays = 1
	}

	cutoff := t.now().UTC().AddDate(0, 0, -keepDays).Format(dayFormat)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key := range t.counts {
		// key layout: provider|YYYY-MM-DD
		day := key[len(key)-len(dayFormat):]
		if day < cutoff {
			delete(t.counts, key)
			removed++
		}
	}
	return removed
}

func (t *DailyTracker) keyFor(provider string) string {
	return fmt.Sprintf("%s|%s", provider, t.now().UTC().Format(dayFormat))
}
