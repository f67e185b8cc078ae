package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	klines       []KlineEvent
	events       chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 16)}
}

func (h *recordingHandler) OnConnected(context.Context) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
	h.notify("connected")
}

func (h *recordingHandler) OnDisconnected() {
	h.mu.Lock()
	h.disconnected++
	h.mu.Unlock()
	h.notify("disconnected")
}

func (h *recordingHandler) OnKline(ev KlineEvent) {
	h.mu.Lock()
	h.klines = append(h.klines, ev)
	h.mu.Unlock()
	h.notify("kline")
}

func (h *recordingHandler) notify(ev string) {
	select {
	case h.events <- ev:
	default:
	}
}

func waitForEvent(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func TestStreamDispatchAndReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var queries []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":"ticker","d":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":"kline","d":{"exchange":"binance","pair":"USDT-BTC","interval":"5m","data":{"timestamp":300,"open":1,"high":2,"low":1,"close":2,"volume":3,"closed":false}}}`))
		// let the client read before closing
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	h := newRecordingHandler()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(endpoint, "mystream", h,
		WithStreamAPIKey("secret"),
		WithRetryDelay(10*time.Millisecond),
		WithPingInterval(time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForEvent(t, h.events, "connected")
	waitForEvent(t, h.events, "kline")
	waitForEvent(t, h.events, "disconnected")
	waitForEvent(t, h.events, "connected")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.False(t, s.Connected())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.klines)
	ev := h.klines[0]
	assert.Equal(t, "binance", string(ev.Exchange))
	assert.Equal(t, "USDT-BTC", string(ev.Pair))
	assert.Equal(t, "5m", ev.Interval)
	assert.Equal(t, int64(300), ev.Candle.Timestamp)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sid=mystream&expires=false", queries[0])
}
