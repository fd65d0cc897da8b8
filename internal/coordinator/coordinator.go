// Package coordinator deduplicates concurrent identical requests and fronts
// the response cache. For any normalized cache key there is at most one
// upstream call in flight; every concurrent caller for that key receives an
// independent copy of the same settled result.
package coordinator

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"market-gateway/internal/cache"
	apperrors "market-gateway/internal/common/errors"
	"market-gateway/internal/common/logging"
	"market-gateway/internal/queue"
)

// Request describes one logical fetch.
type Request struct {
	URL     string
	Options queue.Options
	// TTL is how long a successful payload stays cached; zero disables caching
	TTL time.Duration
	// BypassCache skips the read path; the result is still written back
	BypassCache bool
	// Cacheable decides whether a settled response may be cached.
	// When nil, any 2xx response is cached.
	Cacheable func(*queue.Response) bool
}

// Coordinator glues the cache and the queue together.
type Coordinator struct {
	cache  *cache.Store
	queue  *queue.Queue
	group  singleflight.Group
	logger logging.Logger

	joined uint64 // calls that attached to an already in-flight fetch
}

// New creates a coordinator over the given cache and queue.
func New(store *cache.Store, q *queue.Queue, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Coordinator{
		cache:  store,
		queue:  q,
		logger: logger,
	}
}

// Do resolves one request. The returned bool reports whether the response
// came from cache. Callers always receive their own response copy; bodies are
// plain byte slices and safe to re-read.
func (c *Coordinator) Do(ctx context.Context, req Request) (*queue.Response, bool, error) {
	key := cache.Key(req.Options.Method, req.URL, req.Options.Headers)

	if !req.BypassCache {
		if payload, ok := c.cache.Get(key); ok {
			return cachedResponse(payload), true, nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		resp, err := c.queue.Enqueue(ctx, req.URL, req.Options)
		if err != nil {
			return nil, err
		}

		if req.TTL > 0 && c.cacheable(req, resp) {
			c.cache.Set(key, resp.Body, req.TTL)
		}
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			atomic.AddUint64(&c.joined, 1)
		}
		return cloneResponse(res.Val.(*queue.Response)), false, nil

	case <-ctx.Done():
		// The in-flight fetch keeps running for the waiters still attached;
		// this caller just stops waiting.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, false, apperrors.UpstreamTimeoutError(req.URL)
		}
		return nil, false, apperrors.InternalError("request cancelled", ctx.Err())
	}
}

// Batch resolves several requests concurrently, preserving input order in the
// result slice. It fails fast on the first error.
func (c *Coordinator) Batch(ctx context.Context, reqs []Request) ([]*queue.Response, error) {
	results := make([]*queue.Response, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, _, err := c.Do(gctx, req)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats returns dedup counters for observability.
func (c *Coordinator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"joined_in_flight": atomic.LoadUint64(&c.joined),
	}
}

func (c *Coordinator) cacheable(req Request, resp *queue.Response) bool {
	if req.Cacheable != nil {
		return req.Cacheable(resp)
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// cachedResponse synthesizes a response from a cached payload. Only
// successful JSON payloads are ever cached, so the synthetic status is OK.
func cachedResponse(payload []byte) *queue.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body := make([]byte, len(payload))
	copy(body, payload)

	return &queue.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
	}
}

// cloneResponse gives each waiter an independent response so no caller can
// observe another's mutations.
func cloneResponse(resp *queue.Response) *queue.Response {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)

	return &queue.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}
