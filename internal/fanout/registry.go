// Package fanout pushes snapshots to subscribers.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
	"github.com/0xc0d3d00d/heatmap/internal/metrics"
)

const DefaultHeartbeat = time.Minute

// Conn is a subscriber connection. Send must not block.
type Conn interface {
	Send(msg []byte) error
	Ping() error
	IsOpen() bool
	Close() error
}

type Preferences struct {
	Compress bool
	// PushEvery delivers one snapshot out of PushEvery, values below 1 mean 1.
	PushEvery int
}

type Subscriber struct {
	id         string
	remoteAddr string
	conn       Conn
	prefs      Preferences

	// pushCount is guarded by the registry lock.
	pushCount int
	alive     atomic.Bool
	done      chan struct{}
}

func (s *Subscriber) ID() string { return s.id }

// Alive records a liveness response, usually a pong.
func (s *Subscriber) Alive() {
	s.alive.Store(true)
}

type Registry struct {
	heartbeat time.Duration
	metrics   *metrics.Metrics

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	last        domain.Snapshot
}

type Option func(*Registry)

// WithHeartbeat sets the ping period. A subscriber that did not answer the previous
// ping when the next one is due is disconnected.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Registry) {
		r.heartbeat = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		heartbeat:   DefaultHeartbeat,
		subscribers: map[string]*Subscriber{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts tracking conn and immediately sends it the last snapshot.
func (r *Registry) Register(ctx context.Context, conn Conn, remoteAddr string, prefs Preferences) *Subscriber {
	if prefs.PushEvery < 1 {
		prefs.PushEvery = 1
	}
	sub := &Subscriber{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		conn:       conn,
		prefs:      prefs,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.subscribers[sub.id] = sub
	r.metrics.SubscriberAdded(ctx)
	slog.InfoContext(ctx, "registering subscriber",
		"id", sub.id, "remote_addr", remoteAddr, "compress", prefs.Compress, "push_every", prefs.PushEvery,
		"subscribers", len(r.subscribers))

	// the initial push is enqueued under the lock so it cannot overtake a newer publish
	plain, compressed, err := EncodeMessages(r.last)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode snapshot", "error", err)
	} else {
		r.deliver(ctx, sub, plain, compressed)
	}
	r.mu.Unlock()

	// Ping may block on a slow connection, it must not hold the lock.
	if err := conn.Ping(); err != nil {
		slog.DebugContext(ctx, "failed to ping subscriber", "id", sub.id, "error", err)
	}

	go r.watch(ctx, sub)

	return sub
}

// Unregister stops tracking sub. It is a no-op for an unknown subscriber.
func (r *Registry) Unregister(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub)
}

// Publish stores snapshot and pushes it to every subscriber whose turn it is.
func (r *Registry) Publish(snapshot domain.Snapshot) {
	ctx := context.Background()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = snapshot
	if len(r.subscribers) == 0 {
		return
	}

	plain, compressed, err := EncodeMessages(snapshot)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode snapshot", "error", err)
		return
	}

	slog.DebugContext(ctx, "pushing snapshot", "subscribers", len(r.subscribers))
	for _, sub := range r.subscribers {
		sub.pushCount++
		if sub.pushCount%sub.prefs.PushEvery != 0 {
			continue
		}
		sub.pushCount = 0
		if !sub.conn.IsOpen() {
			continue
		}
		r.deliver(ctx, sub, plain, compressed)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Shutdown closes every subscriber connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		r.removeLocked(sub)
		sub.conn.Close()
	}
}

func (r *Registry) deliver(ctx context.Context, sub *Subscriber, plain, compressed []byte) {
	msg := plain
	if sub.prefs.Compress {
		msg = compressed
	}
	if err := sub.conn.Send(msg); err != nil {
		slog.DebugContext(ctx, "failed to push snapshot", "id", sub.id, "error", err)
		return
	}
	r.metrics.Pushed(ctx, sub.prefs.Compress)
}

// watch pings sub every heartbeat and closes it when the previous ping was not answered.
func (r *Registry) watch(ctx context.Context, sub *Subscriber) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
		}

		if !sub.conn.IsOpen() {
			return
		}
		if !sub.alive.Swap(false) {
			slog.DebugContext(ctx, "subscriber heartbeat timeout", "id", sub.id, "remote_addr", sub.remoteAddr)
			r.Unregister(sub)
			sub.conn.Close()
			return
		}
		if err := sub.conn.Ping(); err != nil {
			slog.DebugContext(ctx, "failed to ping subscriber", "id", sub.id, "error", err)
		}
	}
}

func (r *Registry) removeLocked(sub *Subscriber) {
	if _, ok := r.subscribers[sub.id]; !ok {
		return
	}
	delete(r.subscribers, sub.id)
	close(sub.done)
	r.metrics.SubscriberRemoved(context.Background())
	slog.Debug("unregistering subscriber", "id", sub.id, "remote_addr", sub.remoteAddr, "subscribers", len(r.subscribers))
}
