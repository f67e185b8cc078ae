// Package orchestrator owns the evolution engines, drives the recompute cycle and
// publishes the merged snapshot.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
	"github.com/0xc0d3d00d/heatmap/internal/gateway"
	"github.com/0xc0d3d00d/heatmap/internal/metrics"
	"github.com/0xc0d3d00d/heatmap/internal/parallel"
)

const (
	DefaultComputeInterval     = time.Minute
	DefaultDiscoveryRetryDelay = 5 * time.Second
	DefaultReconcileInterval   = 30 * time.Minute
	DefaultMaxDays             = 5
)

type Engine interface {
	AddCandle(c domain.Candle)
	Compute(ctx context.Context) bool
	Data() domain.PairSnapshot
	HasData() bool
	Destroy()
}

// EngineFactory creates the engine of a pair with the given fine and coarse intervals.
type EngineFactory func(key domain.Key, fine, coarse domain.Interval) (Engine, error)

type Gateway interface {
	Services(ctx context.Context) (*gateway.Services, error)
	Subscriptions(ctx context.Context, sessionID string) (gateway.Subscriptions, error)
}

// Publisher receives every merged snapshot. Publish is called with the orchestrator
// lock held and must not block. The snapshot must not be modified.
type Publisher interface {
	Publish(s domain.Snapshot)
}

type state int

const (
	stateDisconnected state = iota
	stateDiscovering
	stateActive
)

func (s state) String() string {
	switch s {
	case stateDiscovering:
		return "discovering"
	case stateActive:
		return "active"
	}
	return "disconnected"
}

type entry struct {
	engine Engine
	fine   domain.Interval
}

type Orchestrator struct {
	gateway        Gateway
	newEngine      EngineFactory
	sessionID      string
	computeEvery   time.Duration
	discoveryDelay time.Duration
	reconcileEvery time.Duration
	maxDays        int
	publishers     []Publisher
	metrics        *metrics.Metrics

	// token identifies the current cycle. Anything started under an older token is stale.
	token atomic.Uint64

	mu           sync.Mutex
	state        state
	connected    bool
	capabilities map[domain.Exchange]Capability
	engines      map[domain.Key]*entry
	snapshot     domain.Snapshot
	timer        *time.Timer
}

type Option func(*Orchestrator)

func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		o.sessionID = id
	}
}

func WithComputeInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.computeEvery = d
	}
}

func WithDiscoveryRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.discoveryDelay = d
	}
}

func WithReconcileInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.reconcileEvery = d
	}
}

// WithMaxDays sets the number of days the coarse interval must cover.
func WithMaxDays(days int) Option {
	return func(o *Orchestrator) {
		o.maxDays = days
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publishers = append(o.publishers, p)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func New(gw Gateway, factory EngineFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:        gw,
		newEngine:      factory,
		computeEvery:   DefaultComputeInterval,
		discoveryDelay: DefaultDiscoveryRetryDelay,
		reconcileEvery: DefaultReconcileInterval,
		maxDays:        DefaultMaxDays,
		capabilities:   map[domain.Exchange]Capability{},
		engines:        map[domain.Key]*entry{},
		snapshot:       domain.Snapshot{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnConnected drops every engine and starts discovering the gateway capabilities.
// The first cycle is launched once discovery completes.
func (o *Orchestrator) OnConnected(ctx context.Context) {
	o.mu.Lock()
	t := o.token.Add(1)
	o.connected = true
	o.state = stateDiscovering
	o.stopTimer()
	o.resetEngines(ctx)
	o.mu.Unlock()

	slog.InfoContext(ctx, "connected to gateway, discovering services")
	go o.discover(ctx, t)
}

func (o *Orchestrator) OnDisconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = false
	o.state = stateDisconnected
	o.stopTimer()
	slog.Info("disconnected from gateway")
}

// OnKline routes a kline update to the engine of its pair, creating the engine on the
// first update of a pair.
func (o *Orchestrator) OnKline(ev gateway.KlineEvent) {
	interval, err := domain.ParseInterval(ev.Interval)
	if err != nil {
		return
	}
	key := domain.Key{Exchange: ev.Exchange, Pair: ev.Pair}

	o.mu.Lock()
	if o.state != stateActive {
		o.mu.Unlock()
		return
	}
	c, ok := o.capabilities[ev.Exchange]
	if !ok || !c.accepts(interval) {
		o.mu.Unlock()
		return
	}
	en, ok := o.engines[key]
	if !ok {
		engine, err := o.newEngine(key, interval, c.Coarse)
		if err != nil {
			o.mu.Unlock()
			slog.Warn("failed to create engine", "exchange", key.Exchange, "pair", key.Pair, "error", err)
			return
		}
		en = &entry{engine: engine, fine: interval}
		o.engines[key] = en
		o.metrics.EngineCreated(context.Background())
		slog.Debug("engine created", "exchange", key.Exchange, "pair", key.Pair, "fine", interval, "coarse", c.Coarse)
	}
	o.mu.Unlock()

	// an engine keeps the interval it was created with
	if en.fine != interval {
		return
	}
	en.engine.AddCandle(ev.Candle)
}

// Run reconciles the engines with the session subscriptions until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Reconcile(ctx)
		}
	}
}

// Reconcile destroys the engines whose klines are no longer subscribed by the session
// and republishes the snapshot without their pairs.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	subs, err := o.gateway.Subscriptions(ctx, o.sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "could not retrieve subscriptions", "session_id", o.sessionID, "error", err)
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var removed []domain.Key
	for key, en := range o.engines {
		ok, reason := subs.Has(key, en.fine)
		if ok {
			continue
		}
		slog.InfoContext(ctx, "engine will be destroyed", "exchange", key.Exchange, "pair", key.Pair, "fine", en.fine, "reason", reason)
		en.engine.Destroy()
		delete(o.engines, key)
		o.metrics.EngineDestroyed(ctx)
		removed = append(removed, key)
	}
	if len(removed) > 0 {
		o.snapshot = o.snapshot.Without(removed...)
		for _, p := range o.publishers {
			p.Publish(o.snapshot)
		}
	}

	return nil
}

// Snapshot returns the last merged snapshot. It must not be modified.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateActive
}

// Shutdown stops the cycle and destroys every engine.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token.Add(1)
	o.connected = false
	o.state = stateDisconnected
	o.stopTimer()
	o.resetEngines(ctx)
}

func (o *Orchestrator) discover(ctx context.Context, t uint64) {
	var services *gateway.Services
	for {
		if o.superseded(t) != "" || ctx.Err() != nil {
			return
		}
		var err error
		services, err = o.gateway.Services(ctx)
		if err == nil {
			break
		}
		slog.ErrorContext(ctx, "could not retrieve services, will retry", "retry_in", o.discoveryDelay, "error", err)
		if err := parallel.Sleep(ctx, o.discoveryDelay); err != nil {
			return
		}
	}

	caps := SelectCapabilities(services, o.maxDays)

	o.mu.Lock()
	if o.supersededLocked(t) != "" {
		o.mu.Unlock()
		return
	}
	o.capabilities = caps
	o.state = stateActive
	o.mu.Unlock()

	slog.InfoContext(ctx, "services discovered", "exchanges", len(caps))
	o.cycle(ctx, t)
}

// cycle computes every engine and publishes the merged snapshot, unless a newer cycle
// was started or the gateway disconnected in the meantime. It then schedules the next one.
func (o *Orchestrator) cycle(ctx context.Context, t uint64) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	o.mu.Lock()
	if reason := o.supersededLocked(t); reason != "" {
		o.mu.Unlock()
		o.metrics.CycleCompleted(ctx, reason, time.Since(start))
		return
	}
	tasks := make([]parallel.Task[domain.Key, bool], 0, len(o.engines))
	for key, en := range o.engines {
		engine := en.engine
		tasks = append(tasks, parallel.Task[domain.Key, bool]{
			Context: key,
			Run: func(ctx context.Context) (bool, error) {
				return engine.Compute(ctx), nil
			},
		})
	}
	o.mu.Unlock()

	slog.DebugContext(ctx, "computing engines", "count", len(tasks))
	parallel.All(ctx, tasks)

	o.mu.Lock()
	defer o.mu.Unlock()
	if reason := o.supersededLocked(t); reason != "" {
		slog.DebugContext(ctx, "discarding cycle results", "reason", reason)
		o.metrics.CycleCompleted(ctx, reason, time.Since(start))
		return
	}

	snapshot := make(domain.Snapshot, len(o.snapshot))
	for key, en := range o.engines {
		if !en.engine.HasData() {
			continue
		}
		if data := en.engine.Data(); data != nil {
			snapshot.Set(key, data)
		}
	}
	o.snapshot = snapshot
	for _, p := range o.publishers {
		p.Publish(snapshot)
	}
	o.metrics.CycleCompleted(ctx, metrics.OutcomePublished, time.Since(start))

	next := o.token.Add(1)
	o.stopTimer()
	o.timer = time.AfterFunc(o.computeEvery, func() {
		o.cycle(ctx, next)
	})
}

func (o *Orchestrator) superseded(t uint64) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.supersededLocked(t)
}

// supersededLocked returns why work started under token t must be dropped, or "".
func (o *Orchestrator) supersededLocked(t uint64) string {
	if !o.connected {
		return metrics.OutcomeDisconnected
	}
	if o.token.Load() != t {
		return metrics.OutcomeStale
	}
	return ""
}

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) resetEngines(ctx context.Context) {
	for _, en := range o.engines {
		en.engine.Destroy()
		o.metrics.EngineDestroyed(ctx)
	}
	if len(o.engines) > 0 {
		slog.InfoContext(ctx, "all engines have been reset", "count", len(o.engines))
	}
	o.engines = map[domain.Key]*entry{}
}
