// Package evolution computes the price and volume evolution of a single exchange pair.
//
// An Engine keeps two bounded kline series. The fine series (minutes or hours) covers
// the last 24 hours and feeds the minute and hour periods. The coarse series feeds the
// day periods: it is retrieved once and then extended with candles derived from the
// fine series.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
	"github.com/0xc0d3d00d/heatmap/internal/metrics"
	"github.com/0xc0d3d00d/heatmap/internal/parallel"
)

var (
	ErrNoPeriods = errors.New("no supported data period")
	ErrDestroyed = errors.New("engine destroyed")
	ErrNoKlines  = errors.New("no kline retrieved")
)

const (
	DefaultRetrievalTries = 2
	DefaultRetrievalDelay = 5 * time.Second

	fineCoverage = 24 * 60 * 60
)

// Fetcher retrieves the most recent klines of a pair, oldest first.
type Fetcher interface {
	Klines(ctx context.Context, exchange domain.Exchange, pair domain.Pair, interval domain.Interval, limit int) ([]domain.Candle, error)
}

type Config struct {
	Key            domain.Key
	FineInterval   domain.Interval
	CoarseInterval domain.Interval
	// Periods are period tokens such as "xm", "15m", "4h" or "1d".
	Periods []string
}

type Option func(*Engine)

// WithRetry sets how many times a series retrieval is attempted and the delay between attempts.
func WithRetry(tries int, delay time.Duration) Option {
	return func(e *Engine) {
		if tries > 0 {
			e.tries = tries
		}
		e.delay = delay
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

type Engine struct {
	key     domain.Key
	fetcher Fetcher
	tries   int
	delay   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	destroyed atomic.Bool

	// computeMu serializes Compute calls, mu guards the state below.
	computeMu sync.Mutex
	mu        sync.Mutex
	ready     bool
	hasData   bool
	fine      *series
	coarse    *series
	data      domain.PairSnapshot
}

func New(cfg Config, fetcher Fetcher, opts ...Option) (*Engine, error) {
	fineStep := cfg.FineInterval.Seconds()
	if fineStep <= 0 {
		return nil, fmt.Errorf("fine interval: %w: %d", domain.ErrInvalidInterval, cfg.FineInterval)
	}

	periods := domain.SortPeriods(cfg.Periods, cfg.FineInterval)
	if len(periods) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoPeriods, cfg.Periods)
	}

	fine := &series{
		interval: cfg.FineInterval,
		step:     fineStep,
		max:      int(ceilDiv(fineCoverage, fineStep)) + 1,
	}
	coarse := &series{
		interval: cfg.CoarseInterval,
		step:     cfg.CoarseInterval.Seconds(),
	}
	for _, p := range periods {
		if p.Unit == domain.Day {
			coarse.periods = append(coarse.periods, p)
		} else {
			fine.periods = append(fine.periods, p)
		}
	}
	// The coarse series keeps twice the longest day period so the previous window is complete.
	if longest := periods[len(periods)-1]; longest.Unit == domain.Day {
		if coarse.step <= 0 {
			return nil, fmt.Errorf("coarse interval: %w: %d", domain.ErrInvalidInterval, cfg.CoarseInterval)
		}
		coarse.max = int(ceilDiv(2*longest.Duration, coarse.step)) + 1
	}

	e := &Engine{
		key:     cfg.Key,
		fetcher: fetcher,
		tries:   DefaultRetrievalTries,
		delay:   DefaultRetrievalDelay,
		fine:    fine,
		coarse:  coarse,
		logger: slog.With(
			"exchange", cfg.Key.Exchange,
			"pair", cfg.Key.Pair,
			"fine", cfg.FineInterval,
			"coarse", cfg.CoarseInterval,
		),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Engine) Key() domain.Key { return e.key }

func (e *Engine) FineInterval() domain.Interval { return e.fine.interval }

func (e *Engine) CoarseInterval() domain.Interval { return e.coarse.interval }

func (e *Engine) IsDestroyed() bool { return e.destroyed.Load() }

func (e *Engine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Engine) HasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasData
}

// Data returns the last computed snapshot or nil. The returned map must not be modified.
func (e *Engine) Data() domain.PairSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasData || e.destroyed.Load() {
		return nil
	}
	return e.data
}

// Destroy is terminal. A Compute running concurrently stops at its next check.
func (e *Engine) Destroy() {
	e.destroyed.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = false
	e.hasData = false
	e.data = nil
}

// AddCandle queues a real-time kline update until the next Compute. Updates are
// ignored until the engine is ready.
func (e *Engine) AddCandle(c domain.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready || e.destroyed.Load() {
		return
	}

	q := e.fine.queue
	if n := len(q); n > 0 && q[n-1].Timestamp == c.Timestamp {
		q[n-1] = c
		return
	}
	e.fine.queue = append(q, c)
}

// Compute merges queued updates, retrieves the series when needed and refreshes the
// snapshot. It reports whether a snapshot is available.
func (e *Engine) Compute(ctx context.Context) bool {
	if e.destroyed.Load() {
		return false
	}
	e.computeMu.Lock()
	defer e.computeMu.Unlock()

	e.mu.Lock()
	if e.destroyed.Load() {
		e.mu.Unlock()
		return false
	}
	e.processQueue(ctx)
	missing := e.missing()
	if len(missing) > 0 {
		e.ready = false
	}
	e.mu.Unlock()

	var results []parallel.Result[domain.Interval, []domain.Candle]
	if len(missing) > 0 {
		e.logger.InfoContext(ctx, "kline data is outdated, new klines will be retrieved")
		tasks := make([]parallel.Task[domain.Interval, []domain.Candle], 0, len(missing))
		for _, s := range missing {
			tasks = append(tasks, parallel.Task[domain.Interval, []domain.Candle]{
				Context: s.interval,
				Run: func(ctx context.Context) ([]domain.Candle, error) {
					return e.retrieve(ctx, s)
				},
			})
		}
		results, _ = parallel.All(ctx, tasks, parallel.WithoutErrorLog())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Load() {
		return false
	}

	if len(missing) > 0 {
		for _, r := range results {
			if !r.Success {
				e.reset(ctx)
				return false
			}
		}
		for i, r := range results {
			s := missing[i]
			s.data = r.Value
			if s == e.coarse {
				open := s.data[len(s.data)-1].Timestamp + s.step
				s.next = boundary{open: open, close: open + s.step}
			}
			e.repair(ctx, s)
		}
		e.logger.DebugContext(ctx, "engine is ready")
		e.ready = true
	}

	e.derive(ctx)
	e.fine.trim()
	e.coarse.trim()

	e.hasData = e.computeData()
	return e.hasData
}

// missing returns the series that need a retrieval.
func (e *Engine) missing() []*series {
	var out []*series
	if len(e.fine.data) == 0 {
		out = append(out, e.fine)
	}
	if e.coarse.enabled() && len(e.coarse.data) == 0 {
		out = append(out, e.coarse)
	}
	return out
}

func (e *Engine) reset(ctx context.Context) {
	e.data = nil
	e.ready = false
	e.hasData = false
	e.fine.reset()
	e.coarse.reset()
	e.metrics.EngineReset(ctx)
}

// retrieve fetches a full series, retrying a bounded number of times. A coarse series
// loses its trailing open candle, which is derived from the fine series instead.
func (e *Engine) retrieve(ctx context.Context, s *series) ([]domain.Candle, error) {
	var (
		candles []domain.Candle
		err     error
	)
	for i := 0; i < e.tries; i++ {
		if e.destroyed.Load() {
			return nil, ErrDestroyed
		}
		if i != 0 {
			if err := parallel.Sleep(ctx, e.delay); err != nil {
				return nil, err
			}
		}

		candles, err = e.fetcher.Klines(ctx, e.key.Exchange, e.key.Pair, s.interval, s.max)
		if err == nil {
			break
		}
		if i < e.tries-1 {
			e.logger.WarnContext(ctx, "could not retrieve klines, will retry",
				"interval", s.interval, "retry_in", e.delay, "error", err)
			continue
		}
		e.logger.ErrorContext(ctx, "could not retrieve klines, no retry left",
			"interval", s.interval, "error", err)
		return nil, err
	}
	if e.destroyed.Load() {
		return nil, ErrDestroyed
	}

	if s == e.coarse && len(candles) > 0 && !candles[len(candles)-1].Closed {
		candles = candles[:len(candles)-1]
	}
	if len(candles) == 0 {
		e.logger.WarnContext(ctx, "no kline retrieved", "interval", s.interval)
		return nil, fmt.Errorf("%w: %s", ErrNoKlines, s.interval)
	}

	return candles, nil
}

// processQueue merges queued updates into the fine series. A gap larger than one
// interval means an update was missed and resets the engine.
func (e *Engine) processQueue(ctx context.Context) {
	f := e.fine
	queue := f.queue
	f.queue = nil
	if len(queue) == 0 || len(f.data) == 0 {
		return
	}

	last := f.data[len(f.data)-1]
	i := 0
	for i < len(queue) && queue[i].Timestamp < last.Timestamp {
		i++
	}
	queue = queue[i:]
	if len(queue) == 0 {
		return
	}

	prev := last.Timestamp
	for _, c := range queue {
		if c.Timestamp-prev > f.step {
			e.logger.WarnContext(ctx, "found gap in klines queue, engine will be reset",
				"interval", f.interval, "timestamp", c.Timestamp, "previous_timestamp", prev)
			e.reset(ctx)
			return
		}
		prev = c.Timestamp
	}

	if queue[0].Timestamp == last.Timestamp {
		c := queue[0]
		if n := len(f.data); n > 1 {
			backfill(&c, f.data[n-2])
		}
		f.data[len(f.data)-1] = c
		queue = queue[1:]
	}

	previous := f.data[len(f.data)-1]
	for _, c := range queue {
		backfill(&c, previous)
		f.data = append(f.data, c)
		previous = c
	}
}

// repair inserts filler candles where the series has holes and backfills missing
// open and close values.
func (e *Engine) repair(ctx context.Context, s *series) {
	if len(s.data) == 0 {
		return
	}

	out := make([]domain.Candle, 0, len(s.data))
	for _, c := range s.data {
		if n := len(out); n > 0 {
			prev := out[n-1]
			delta := c.Timestamp - prev.Timestamp
			if delta > s.step {
				if delta%s.step != 0 {
					e.logger.WarnContext(ctx, "found gap which is not a multiple of the interval",
						"interval", s.interval, "timestamp", c.Timestamp, "previous_timestamp", prev.Timestamp)
				}
				ts := prev.Timestamp
				for k := delta / s.step; k > 1; k-- {
					ts += s.step
					out = append(out, filler(ts, prev.Close))
				}
			}
			backfill(&c, out[len(out)-1])
		}
		out = append(out, c)
	}
	s.data = out
}

// derive appends the next coarse candle once the fine series has passed its close time.
func (e *Engine) derive(ctx context.Context) {
	c := e.coarse
	f := e.fine
	if !c.enabled() || len(c.data) == 0 || len(f.data) == 0 {
		return
	}
	if f.data[len(f.data)-1].Timestamp < c.next.close {
		return
	}

	k := domain.Candle{
		Timestamp: c.next.open,
		Open:      c.data[len(c.data)-1].Close,
		Closed:    true,
	}
	for i := len(f.data) - 1; i >= 0; i-- {
		candle := f.data[i]
		if candle.Timestamp >= c.next.close {
			continue
		}
		if candle.Timestamp < c.next.open {
			break
		}
		if !k.Close.Valid {
			k.Close = candle.Close
		}
		// oldest candle of the window wins
		k.Open = candle.Open
		k.High = maxNull(k.High, candle.High)
		k.Low = minNull(k.Low, candle.Low)
		k.Volume = k.Volume.Add(candle.Volume)
	}
	if !k.Close.Valid {
		k.Close = k.Open
	}

	e.logger.DebugContext(ctx, "derived coarse kline", "timestamp", k.Timestamp)
	c.next = boundary{open: c.next.close, close: c.next.close + c.step}
	c.data = append(c.data, k)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
