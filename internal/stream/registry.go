// Package stream keeps the real-time push channel's subscription bookkeeping
// and decodes incoming ticks into the same canonical row shape the normalizer
// emits. The wire protocol beyond subscribe/unsubscribe/tick frames is out of
// scope.
package stream

import (
	"sort"
	"strings"
	"sync"
)

// Registry ref-counts symbol subscriptions. Several widgets can watch the
// same symbol; the upstream subscription is opened on the first watcher and
// closed when the last one leaves.
type Registry struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{refs: make(map[string]int)}
}

// Subscribe increments the ref count for each symbol and returns the symbols
// that became newly active, i.e. the ones a transport must now subscribe to.
func (r *Registry) Subscribe(symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, s := range symbols {
		s = canonicalSymbol(s)
		if s == "" {
			continue
		}
		r.refs[s]++
		if r.refs[s] == 1 {
			added = append(added, s)
		}
	}
	return added
}

// Unsubscribe decrements the ref count for each symbol and returns the
// symbols whose last watcher left.
func (r *Registry) Unsubscribe(symbols ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for _, s := range symbols {
		s = canonicalSymbol(s)
		n, ok := r.refs[s]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(r.refs, s)
			released = append(released, s)
			continue
		}
		r.refs[s] = n - 1
	}
	return released
}

// Active returns the currently watched symbols, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.refs))
	for s := range r.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Watchers returns the ref count for one symbol.
func (r *Registry) Watchers(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[canonicalSymbol(symbol)]
}

func canonicalSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
