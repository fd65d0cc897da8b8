// Package queue serializes all outbound upstream calls through one paced
// drain loop. It enforces a minimum inter-request spacing independent of the
// token buckets (a second, coarser safety net against upstream bans) and
// retries 429s, 5xx and transport errors a bounded number of times with
// increasing backoff, re-inserting retried calls at the front of the line.
package queue

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"market-gateway/internal/circuitbreaker"
	apperrors "market-gateway/internal/common/errors"
	"market-gateway/internal/common/logging"
)

// Response is a fully drained upstream response. Bodies are read once by the
// queue and handed around as byte slices, so callers never share a live
// stream handle.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options shape an outbound call.
type Options struct {
	Method  string
	Headers http.Header
	Body    []byte
}

// Config holds queue pacing and retry knobs.
type Config struct {
	// MinDelay is the minimum spacing between consecutive dispatches
	MinDelay time.Duration
	// MaxRetries bounds how often one call is retried after its first attempt
	MaxRetries int
	// RetryDelay is the backoff base; attempt n waits RetryDelay * n
	RetryDelay time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:   2 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MinDelay < 0 {
		return fmt.Errorf("MinDelay must not be negative, got %v", c.MinDelay)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("RetryDelay must be positive, got %v", c.RetryDelay)
	}
	return nil
}

// Doer abstracts the HTTP client so tests can stub the transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type result struct {
	resp *Response
	err  error
}

type call struct {
	ctx     context.Context
	url     string
	opts    Options
	retries int
	done    chan result
}

// Queue is the single global dispatch queue. Enqueue may be called from any
// goroutine; exactly one drain loop runs at a time.
type Queue struct {
	mu         sync.Mutex
	items      *list.List // of *call
	processing bool

	client   Doer
	pacer    *rate.Limiter
	breakers *circuitbreaker.Manager
	config   Config
	logger   logging.Logger
}

// New creates a queue dispatching through client. breakers may be nil to
// disable circuit breaking.
func New(client Doer, breakers *circuitbreaker.Manager, config Config, logger logging.Logger) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if config.MinDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(config.MinDelay), 1)
	}

	return &Queue{
		items:    list.New(),
		client:   client,
		pacer:    pacer,
		breakers: breakers,
		config:   config,
		logger:   logger,
	}, nil
}

// Enqueue adds a call to the back of the queue and blocks until it settles
// or ctx is done. The returned response has its body fully read.
func (q *Queue) Enqueue(ctx context.Context, targetURL string, opts Options) (*Response, error) {
	c := &call{
		ctx:  ctx,
		url:  targetURL,
		opts: opts,
		done: make(chan result, 1),
	}

	q.push(c, false)
	q.kick()

	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		// The drain loop will notice the dead context and discard the call;
		// the buffered channel keeps it from blocking on delivery.
		return nil, contextError(ctx, targetURL)
	}
}

// Depth returns the number of calls currently waiting for dispatch.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// push adds a call at the back, or at the front for retries.
func (q *Queue) push(c *call, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if front {
		q.items.PushFront(c)
	} else {
		q.items.PushBack(c)
	}
}

// kick starts the drain loop unless one is already running.
func (q *Queue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processing {
		return
	}
	q.processing = true
	go q.drain()
}

// pop takes the next call, or clears the processing flag and returns nil when
// the queue is empty. The emptiness check and flag clear happen under the
// same lock so a concurrent Enqueue cannot be stranded.
func (q *Queue) pop() *call {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		q.processing = false
		return nil
	}
	q.items.Remove(front)
	return front.Value.(*call)
}

func (q *Queue) drain() {
	for {
		c := q.pop()
		if c == nil {
			return
		}

		if c.ctx.Err() != nil {
			c.done <- result{err: contextError(c.ctx, c.url)}
			continue
		}

		// Reserve the dispatch slot before the network call fires so slow
		// upstream responses do not compress the spacing window.
		if err := q.pacer.Wait(c.ctx); err != nil {
			c.done <- result{err: contextError(c.ctx, c.url)}
			continue
		}

		q.dispatch(c)
	}
}

// dispatch performs one attempt and settles or reschedules the call.
func (q *Queue) dispatch(c *call) {
	resp, err := q.do(c)

	switch {
	case err != nil && circuitbreaker.IsOpen(err):
		// An open breaker means the host is known-bad; retrying immediately
		// would only hit the breaker again.
		c.done <- result{err: apperrors.UpstreamHTTPError(http.StatusServiceUnavailable,
			fmt.Sprintf("upstream circuit open for %s", hostOf(c.url)))}

	case err != nil && c.ctx.Err() != nil:
		c.done <- result{err: contextError(c.ctx, c.url)}

	case err != nil:
		if c.retries < q.config.MaxRetries {
			q.reschedule(c, err)
			return
		}
		c.done <- result{err: apperrors.InternalError("upstream request failed", err)}

	case resp.StatusCode == http.StatusTooManyRequests:
		if c.retries < q.config.MaxRetries {
			q.reschedule(c, fmt.Errorf("upstream returned 429"))
			return
		}
		c.done <- result{err: apperrors.RateLimitedError(hostOf(c.url))}

	case resp.StatusCode >= 500:
		if c.retries < q.config.MaxRetries {
			q.reschedule(c, fmt.Errorf("upstream returned %d", resp.StatusCode))
			return
		}
		c.done <- result{err: apperrors.UpstreamHTTPError(resp.StatusCode,
			fmt.Sprintf("upstream returned %d after %d retries", resp.StatusCode, c.retries))}

	default:
		c.done <- result{resp: resp}
	}
}

// reschedule re-inserts the call at the front of the queue after its backoff
// elapses. The drain loop keeps serving younger calls in the meantime.
func (q *Queue) reschedule(c *call, cause error) {
	c.retries++
	backoff := q.config.RetryDelay * time.Duration(c.retries)

	q.logger.Warn("Retrying upstream call",
		logging.Field{Key: "url", Value: c.url},
		logging.Field{Key: "attempt", Value: c.retries},
		logging.Field{Key: "backoff", Value: backoff.String()},
		logging.NamedError("cause", cause),
	)

	time.AfterFunc(backoff, func() {
		q.push(c, true)
		q.kick()
	})
}

// do performs the HTTP round trip, through the breaker when configured, and
// drains the response body.
func (q *Queue) do(c *call) (*Response, error) {
	attempt := func() (interface{}, error) {
		method := c.opts.Method
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if len(c.opts.Body) > 0 {
			body = bytes.NewReader(c.opts.Body)
		}

		req, err := http.NewRequestWithContext(c.ctx, method, c.url, body)
		if err != nil {
			return nil, err
		}
		for name, values := range c.opts.Headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}

		httpResp, err := q.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		payload, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}

		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header.Clone(),
			Body:       payload,
		}, nil
	}

	if q.breakers == nil {
		v, err := attempt()
		if err != nil {
			return nil, err
		}
		return v.(*Response), nil
	}

	v, err := q.breakers.Execute(hostOf(c.url), func() (interface{}, error) {
		v, err := attempt()
		if err != nil {
			return nil, err
		}
		resp := v.(*Response)
		// 5xx counts as a breaker failure even though it is a valid response
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if resp, ok := v.(*Response); ok {
			// breaker failure carrying a real 5xx response
			return resp, nil
		}
		return nil, err
	}
	return v.(*Response), nil
}

func contextError(ctx context.Context, targetURL string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.UpstreamTimeoutError(targetURL)
	}
	return apperrors.InternalError("request cancelled", ctx.Err())
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
