package cache

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestStore(maxBytes int64, clock *fakeClock) *Store {
	s := New(maxBytes)
	s.now = clock.Now
	return s
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newTestStore(1024, newFakeClock())

	s.Set("k", []byte("payload"), time.Minute)

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
	assert.True(t, s.Has("k"))
}

func TestTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(1024, clock)

	s.Set("k", []byte("v"), time.Second)

	clock.Advance(999 * time.Millisecond)
	_, ok := s.Get("k")
	assert.True(t, ok, "entry should be live just before expiry")

	clock.Advance(2 * time.Millisecond)
	_, ok = s.Get("k")
	assert.False(t, ok, "entry must never be served past expiresAt")
	assert.False(t, s.Has("k"))
}

func TestLRUEvictionByAccessOrder(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(30, clock)

	s.Set("e1", []byte("0123456789"), time.Minute) // 10 bytes
	clock.Advance(time.Millisecond)
	s.Set("e2", []byte("0123456789"), time.Minute)
	clock.Advance(time.Millisecond)
	s.Set("e3", []byte("0123456789"), time.Minute)
	clock.Advance(time.Millisecond)

	// touch e1 so e2 becomes least recently accessed
	_, ok := s.Get("e1")
	require.True(t, ok)
	clock.Advance(time.Millisecond)

	// inserting e4 must evict e2, not the oldest-inserted e1
	s.Set("e4", []byte("0123456789"), time.Minute)

	assert.True(t, s.Has("e1"))
	assert.False(t, s.Has("e2"))
	assert.True(t, s.Has("e3"))
	assert.True(t, s.Has("e4"))
}

func TestByteBudgetNeverExceeded(t *testing.T) {
	s := newTestStore(25, newFakeClock())

	for i := 0; i < 10; i++ {
		s.Set(string(rune('a'+i)), []byte("0123456789"), time.Minute)
	}

	stats := s.Stats()
	assert.LessOrEqual(t, stats.SizeBytes, int64(25))
	assert.Equal(t, 2, stats.Entries)
}

func TestOversizedPayloadNotStored(t *testing.T) {
	s := newTestStore(5, newFakeClock())

	s.Set("k", []byte("too large for the budget"), time.Minute)

	assert.False(t, s.Has("k"))
	assert.Zero(t, s.Stats().Entries)
}

func TestHitMissCounters(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(1024, clock)

	s.Set("k", []byte("v"), time.Second)

	_, _ = s.Get("k")
	_, _ = s.Get("absent")
	clock.Advance(2 * time.Second)
	_, _ = s.Get("k") // expired counts as miss

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(1024, clock)

	s.Set("short", []byte("v"), time.Second)
	s.Set("long", []byte("v"), time.Hour)

	clock.Advance(2 * time.Second)
	removed := s.CleanupExpired()

	assert.Equal(t, 1, removed)
	assert.True(t, s.Has("long"))
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestDelete(t *testing.T) {
	s := newTestStore(1024, newFakeClock())

	s.Set("k", []byte("v"), time.Minute)
	s.Delete("k")

	assert.False(t, s.Has("k"))
	assert.Zero(t, s.Stats().SizeBytes)
}

func TestSetReplacesExistingEntry(t *testing.T) {
	s := newTestStore(1024, newFakeClock())

	s.Set("k", []byte("0123456789"), time.Minute)
	s.Set("k", []byte("abc"), time.Minute)

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, int64(3), s.Stats().SizeBytes)
}

func TestKeyNormalizesQueryOrder(t *testing.T) {
	k1 := Key("GET", "https://finnhub.io/api/v1/quote?a=1&b=2", nil)
	k2 := Key("GET", "https://finnhub.io/api/v1/quote?b=2&a=1", nil)

	assert.Equal(t, k1, k2)
}

func TestKeyIgnoresIrrelevantHeaders(t *testing.T) {
	h1 := http.Header{}
	h1.Set("User-Agent", "widget-a/1.0")
	h2 := http.Header{}
	h2.Set("User-Agent", "widget-b/2.0")

	k1 := Key("GET", "https://finnhub.io/api/v1/quote?symbol=IBM", h1)
	k2 := Key("GET", "https://finnhub.io/api/v1/quote?symbol=IBM", h2)

	assert.Equal(t, k1, k2)
}

func TestKeyIncludesRelevantHeaders(t *testing.T) {
	h1 := http.Header{}
	h1.Set("Authorization", "Bearer a")
	h2 := http.Header{}
	h2.Set("Authorization", "Bearer b")

	k1 := Key("GET", "https://finnhub.io/api/v1/quote", h1)
	k2 := Key("GET", "https://finnhub.io/api/v1/quote", h2)

	assert.NotEqual(t, k1, k2)
}

func TestKeyDistinguishesMethods(t *testing.T) {
	k1 := Key("GET", "https://finnhub.io/api/v1/quote", nil)
	k2 := Key("POST", "https://finnhub.io/api/v1/quote", nil)

	assert.NotEqual(t, k1, k2)
}

func TestKeyNormalizesHostCase(t *testing.T) {
	k1 := Key("GET", "https://Finnhub.IO/api/v1/quote", nil)
	k2 := Key("GET", "https://finnhub.io/api/v1/quote", nil)

	assert.Equal(t, k1, k2)
}
