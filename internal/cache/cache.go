// Package cache provides the short-lived response cache the gateway fronts
// upstream providers with. Entries expire by TTL (checked lazily on read) and
// total resident size is bounded by a byte budget with LRU eviction ordered
// by last access.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats holds cache observability counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	MaxBytes  int64  `json:"max_bytes"`
}

type entry struct {
	key        string
	payload    []byte
	storedAt   time.Time
	expiresAt  time.Time
	lastAccess time.Time
	elem       *list.Element
}

// Store is a TTL + byte-budget LRU cache. Reads bump last-access time; that
// is the only mutation a read performs. All operations are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently accessed
	maxBytes int64
	curBytes int64

	hits      uint64
	misses    uint64
	evictions uint64

	// now is overridable for deterministic tests
	now func() time.Time
}

// DefaultMaxBytes bounds the cache at 16 MiB unless configured otherwise.
const DefaultMaxBytes = 16 << 20

// New creates a cache with the given byte budget.
func New(maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Get returns the payload for key if present and not expired. Expired entries
// are removed on the spot (lazy deletion).
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	now := s.now()
	if !now.Before(e.expiresAt) {
		s.removeLocked(e)
		s.misses++
		return nil, false
	}

	e.lastAccess = now
	s.lru.MoveToFront(e.elem)
	s.hits++
	return e.payload, true
}

// Set stores payload under key with the given TTL, evicting least-recently
// accessed entries until the new entry fits the byte budget. A payload larger
// than the whole budget is not stored.
func (s *Store) Set(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	size := int64(len(payload))
	if size > s.maxBytes {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
	}

	for s.curBytes+size > s.maxBytes {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest.Value.(*entry))
		s.evictions++
	}

	now := s.now()
	e := &entry{
		key:        key,
		payload:    payload,
		storedAt:   now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	e.elem = s.lru.PushFront(e)
	s.entries[key] = e
	s.curBytes += size
}

// Has reports whether a live entry exists for key without bumping its
// last-access time.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(e)
		return false
	}
	return true
}

// Delete removes the entry for key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(e)
	}
}

// CleanupExpired removes all expired entries and returns how many were
// removed. Correctness does not depend on this; it exists for memory hygiene
// and runs from a scheduled sweep.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, e := range s.entries {
		if !now.Before(e.expiresAt) {
			s.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   len(s.entries),
		SizeBytes: s.curBytes,
		MaxBytes:  s.maxBytes,
	}
}

// removeLocked unlinks an entry from the map, the LRU list and the size
// counter. Callers must hold s.mu.
func (s *Store) removeLocked(e *entry) {
	delete(s.entries, e.key)
	s.lru.Remove(e.elem)
	s.curBytes -= int64(len(e.payload))
}
