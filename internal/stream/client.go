package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-gateway/internal/common/logging"
	"market-gateway/internal/normalize"
)

// Config tunes the push-channel client.
type Config struct {
	// ReconnectDelay is the initial backoff before a reconnect attempt
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the reconnect backoff
	MaxReconnectDelay time.Duration
	// WriteTimeout bounds each outbound frame
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for the next inbound frame
	ReadTimeout time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

// Client maintains one websocket connection to the tick feed, keeps the
// subscription registry in sync with the upstream, and delivers decoded ticks
// as canonical rows. Reconnects resubscribe every active symbol.
type Client struct {
	endpoint string
	config   Config
	registry *Registry
	logger   logging.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	ticks chan normalize.CanonicalRow
	done  chan struct{}
	wg    sync.WaitGroup
}

// subscribeFrame is the outbound subscribe/unsubscribe message.
type subscribeFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// tickFrame is the inbound trade message: one frame carries a batch of ticks.
type tickFrame struct {
	Type string `json:"type"`
	Data []struct {
		Symbol string  `json:"s"`
		Price  float64 `json:"p"`
		Volume float64 `json:"v"`
		// unix milliseconds
		Timestamp int64 `json:"t"`
	} `json:"data"`
}

// Dial connects to the tick feed and starts the read loop. The returned
// client owns the registry passed in; use Subscribe/Unsubscribe on the client
// so upstream state stays in sync.
func Dial(ctx context.Context, endpoint string, registry *Registry, config *Config, logger logging.Logger) (*Client, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	c := &Client{
		endpoint: endpoint,
		config:   cfg,
		registry: registry,
		logger:   logger,
		ticks:    make(chan normalize.CanonicalRow, 1024),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Ticks delivers decoded canonical rows. The channel closes when the client
// is closed.
func (c *Client) Ticks() <-chan normalize.CanonicalRow {
	return c.ticks
}

// Subscribe registers watchers and opens upstream subscriptions for symbols
// that became newly active.
func (c *Client) Subscribe(symbols ...string) error {
	for _, symbol := range c.registry.Subscribe(symbols...) {
		if err := c.send(subscribeFrame{Type: "subscribe", Symbol: symbol}); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe releases watchers and closes upstream subscriptions for symbols
// whose last watcher left.
func (c *Client) Unsubscribe(symbols ...string) error {
	for _, symbol := range c.registry.Unsubscribe(symbols...) {
		if err := c.send(subscribeFrame{Type: "unsubscribe", Symbol: symbol}); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the connection down and closes the tick channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	close(c.ticks)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) send(frame subscribeFrame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.waitAndReconnect(delay) {
				return
			}
			delay = nextDelay(delay, c.config.MaxReconnectDelay)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("Tick feed read failed, reconnecting",
				logging.NamedError("cause", err),
				logging.Field{Key: "backoff", Value: delay.String()})

			c.connMu.Lock()
			c.conn.Close()
			c.conn = nil
			c.connMu.Unlock()
			continue
		}

		delay = c.config.ReconnectDelay
		c.handleMessage(message)
	}
}

// waitAndReconnect sleeps, redials and resubscribes every active symbol.
// It returns false when the client is shutting down.
func (c *Client) waitAndReconnect(delay time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		c.logger.Warn("Tick feed reconnect failed", logging.NamedError("cause", err))
		return true
	}

	for _, symbol := range c.registry.Active() {
		if err := c.send(subscribeFrame{Type: "subscribe", Symbol: symbol}); err != nil {
			c.logger.Warn("Resubscribe failed",
				logging.Field{Key: "symbol", Value: symbol},
				logging.NamedError("cause", err))
			return true
		}
	}
	return true
}

// handleMessage decodes a trade frame and emits one canonical row per tick.
// Frames of other types (pings, acks) are ignored.
func (c *Client) handleMessage(message []byte) {
	var frame tickFrame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Type != "trade" {
		return
	}

	for _, tick := range frame.Data {
		price := tick.Price
		volume := tick.Volume
		row := normalize.CanonicalRow{
			Symbol:    tick.Symbol,
			Price:     &price,
			Volume:    &volume,
			Timestamp: time.UnixMilli(tick.Timestamp).UTC(),
			Fields:    map[string]interface{}{},
			Metadata:  map[string]interface{}{"source": "stream"},
		}

		select {
		case c.ticks <- row:
		case <-c.done:
			return
		}
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
