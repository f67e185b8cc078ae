package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xc0d3d00d/heatmap/internal/parallel"
)

const (
	DefaultRetryDelay   = 2500 * time.Millisecond
	DefaultPingInterval = 30 * time.Second

	writeWait = 10 * time.Second
)

// Handler receives stream events. Calls are made from the stream goroutine, in order.
type Handler interface {
	// OnConnected is called each time a connection is established. ctx is the stream context.
	OnConnected(ctx context.Context)
	OnDisconnected()
	OnKline(ev KlineEvent)
}

// Stream keeps a websocket connection to the gateway session open and dispatches
// notifications to its handler.
type Stream struct {
	url          string
	apiKey       string
	handler      Handler
	dialer       *websocket.Dialer
	retryDelay   time.Duration
	pingInterval time.Duration

	connected atomic.Bool
}

type StreamOption func(*Stream)

func WithStreamAPIKey(key string) StreamOption {
	return func(s *Stream) {
		s.apiKey = key
	}
}

func WithRetryDelay(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.retryDelay = d
	}
}

func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.pingInterval = d
	}
}

func NewStream(endpoint, sessionID string, handler Handler, opts ...StreamOption) *Stream {
	s := &Stream{
		url:          strings.TrimSuffix(endpoint, "/") + "/?sid=" + url.QueryEscape(sessionID) + "&expires=false",
		handler:      handler,
		dialer:       websocket.DefaultDialer,
		retryDelay:   DefaultRetryDelay,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run connects and reconnects until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.WarnContext(ctx, "gateway stream disconnected, reconnecting", "url", s.url, "retry_in", s.retryDelay, "error", err)
		if err := parallel.Sleep(ctx, s.retryDelay); err != nil {
			return nil
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set(apiKeyHeader, s.apiKey)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close connection on context cancellation.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	deadline := 2 * s.pingInterval
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	go s.ping(sessionCtx, conn)

	slog.InfoContext(ctx, "connected to gateway stream", "url", s.url)
	s.connected.Store(true)
	s.handler.OnConnected(ctx)
	defer func() {
		s.connected.Store(false)
		s.handler.OnDisconnected()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Stream) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, msg []byte) {
	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		slog.WarnContext(ctx, "failed to decode gateway notification", "error", err)
		return
	}

	switch n.Name {
	case "kline":
		var ev KlineEvent
		if err := json.Unmarshal(n.Data, &ev); err != nil {
			slog.WarnContext(ctx, "failed to decode kline notification", "error", err)
			return
		}
		s.handler.OnKline(ev)
	default:
		slog.DebugContext(ctx, "ignoring gateway notification", "name", n.Name)
	}
}
