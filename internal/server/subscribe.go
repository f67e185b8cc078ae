package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xc0d3d00d/heatmap/internal/fanout"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
	maxMessageSize = 4 * 1024
)

var (
	errClosed         = errors.New("connection closed")
	errSlowSubscriber = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func subscribeHandleFunc(subscribers registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		prefs := parsePreferences(ctx, r.URL.Query())
		addr := remoteAddr(r)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.DebugContext(ctx, "failed to upgrade subscriber", "remote_addr", addr, "error", err)
			return
		}

		conn := newSubscriberConn(ws)
		go conn.writePump()

		sub := subscribers.Register(ctx, conn, addr, prefs)
		ws.SetPongHandler(func(string) error {
			sub.Alive()
			return nil
		})

		conn.readPump()
		subscribers.Unregister(sub)
		conn.Close()
	}
}

func parsePreferences(ctx context.Context, query url.Values) fanout.Preferences {
	prefs := fanout.Preferences{PushEvery: 1}

	switch strings.TrimSpace(query.Get("compress")) {
	case "true", "1":
		prefs.Compress = true
	}

	if query.Has("pushEvery") {
		value := strings.TrimSpace(query.Get("pushEvery"))
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			slog.WarnContext(ctx, "invalid pushEvery, using 1", "pushEvery", value)
		} else {
			prefs.PushEvery = n
		}
	}

	return prefs
}

func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

// subscriberConn owns the write side of a websocket. Messages go through a
// buffered channel drained by writePump, a full buffer drops the message.
type subscriberConn struct {
	ws   *websocket.Conn
	send chan []byte

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriberConn(ws *websocket.Conn) *subscriberConn {
	return &subscriberConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *subscriberConn) Send(msg []byte) error {
	if c.closed.Load() {
		return errClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClosed
	default:
		return errSlowSubscriber
	}
}

func (c *subscriberConn) Ping() error {
	if c.closed.Load() {
		return errClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *subscriberConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *subscriberConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *subscriberConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readPump discards incoming messages so control frames get processed. It returns
// once the connection fails or is closed.
func (c *subscriberConn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
