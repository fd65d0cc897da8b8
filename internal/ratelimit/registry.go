package ratelimit

import (
	"sync"
)

// Registry holds one token bucket per provider key. Buckets are created
// lazily on first use with the budget supplied by the caller.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry creates an empty bucket registry.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[string]*Bucket),
	}
}

// Bucket returns the bucket for the given key, creating it with the supplied
// budget if it does not exist yet. The budget of an existing bucket is not
// changed.
func (r *Registry) Bucket(key string, budget Budget) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = NewBucket(budget)
		r.buckets[key] = b
	}
	return b
}

// TryConsume takes one token from the keyed bucket.
func (r *Registry) TryConsume(key string, budget Budget) bool {
	return r.Bucket(key, budget).TryConsume(1)
}

// Stats returns per-bucket token counts for observability.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]interface{}, len(r.buckets))
	for key, b := range r.buckets {
		stats[key] = map[string]interface{}{
			"available_tokens": b.Available(),
			"capacity":         b.Capacity(),
		}
	}
	return stats
}
