package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRefCounting(t *testing.T) {
	r := NewRegistry()

	added := r.Subscribe("AAPL", "ibm")
	assert.ElementsMatch(t, []string{"AAPL", "IBM"}, added)

	// second watcher for AAPL does not open a new subscription
	added = r.Subscribe("aapl")
	assert.Empty(t, added)
	assert.Equal(t, 2, r.Watchers("AAPL"))

	// first watcher leaves, subscription stays open
	released := r.Unsubscribe("AAPL")
	assert.Empty(t, released)

	// last watcher leaves
	released = r.Unsubscribe("AAPL")
	assert.Equal(t, []string{"AAPL"}, released)
	assert.Equal(t, []string{"IBM"}, r.Active())
}

func TestRegistryUnsubscribeUnknownSymbol(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Unsubscribe("GHOST"))
}

func TestRegistryNormalizesSymbols(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(" msft ", "")
	assert.Equal(t, []string{"MSFT"}, r.Active())
}

// tickServer is a minimal websocket upstream: it records subscribe frames and
// answers each subscription with one trade frame.
func tickServer(t *testing.T, subscribed chan string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var frame subscribeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "subscribe" {
				continue
			}
			subscribed <- frame.Symbol

			trade := map[string]interface{}{
				"type": "trade",
				"data": []map[string]interface{}{
					{"s": frame.Symbol, "p": 152.5, "v": 300, "t": 1748606400000},
				},
			}
			payload, _ := json.Marshal(trade)
			conn.WriteMessage(websocket.TextMessage, payload)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientSubscribeDeliversCanonicalTicks(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := tickServer(t, subscribed)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), NewRegistry(), nil, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe("IBM"))

	select {
	case symbol := <-subscribed:
		assert.Equal(t, "IBM", symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the subscription")
	}

	select {
	case row := <-c.Ticks():
		assert.Equal(t, "IBM", row.Symbol)
		require.NotNil(t, row.Price)
		assert.Equal(t, 152.5, *row.Price)
		require.NotNil(t, row.Volume)
		assert.Equal(t, 300.0, *row.Volume)
		assert.Equal(t, time.UnixMilli(1748606400000).UTC(), row.Timestamp)
		assert.Equal(t, "stream", row.Metadata["source"])
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}

func TestClientSecondWatcherDoesNotResubscribe(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := tickServer(t, subscribed)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), NewRegistry(), nil, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe("AAPL"))
	require.NoError(t, c.Subscribe("AAPL"))

	<-subscribed
	select {
	case extra := <-subscribed:
		t.Fatalf("unexpected duplicate subscription for %s", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientCloseClosesTickChannel(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := tickServer(t, subscribed)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), NewRegistry(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case _, open := <-c.Ticks():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("tick channel did not close")
	}
}
