package evolution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

var testKey = domain.Key{Exchange: "binance", Pair: "USDT-BTC"}

type fakeFetcher struct {
	mu      sync.Mutex
	klines  map[domain.Interval][]domain.Candle
	errs    map[domain.Interval]error
	calls   map[domain.Interval]int
	limits  map[domain.Interval]int
	release chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		klines: map[domain.Interval][]domain.Candle{},
		errs:   map[domain.Interval]error{},
		calls:  map[domain.Interval]int{},
		limits: map[domain.Interval]int{},
	}
}

func (f *fakeFetcher) Klines(ctx context.Context, _ domain.Exchange, _ domain.Pair, interval domain.Interval, limit int) ([]domain.Candle, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[interval]++
	f.limits[interval] = limit
	if err := f.errs[interval]; err != nil {
		return nil, err
	}
	return append([]domain.Candle(nil), f.klines[interval]...), nil
}

func (f *fakeFetcher) callCount(interval domain.Interval) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[interval]
}

func dec(s string) decimal.NullDecimal {
	if s == "" {
		return domain.Null()
	}
	return domain.Valid(decimal.RequireFromString(s))
}

func candle(ts int64, open, high, low, close, volume string, closed bool) domain.Candle {
	return domain.Candle{
		Timestamp: ts,
		Open:      dec(open),
		High:      dec(high),
		Low:       dec(low),
		Close:     dec(close),
		Volume:    decimal.RequireFromString(volume),
		Closed:    closed,
	}
}

func assertDec(t *testing.T, want string, got decimal.NullDecimal, msgAndArgs ...any) {
	t.Helper()
	if want == "" {
		assert.False(t, got.Valid, msgAndArgs...)
		return
	}
	if assert.True(t, got.Valid, msgAndArgs...) {
		assert.Truef(t, decimal.RequireFromString(want).Equal(got.Decimal), "want %s, got %s", want, got.Decimal)
	}
}

// fineKlines returns six closed 5m klines with closes 10 to 15 and an open one closing at 16.
func fineKlines() []domain.Candle {
	return []domain.Candle{
		candle(0, "10", "11", "9", "10", "1", true),
		candle(300, "10", "12", "10", "11", "1", true),
		candle(600, "11", "13", "11", "12", "1", true),
		candle(900, "12", "14", "12", "13", "2", true),
		candle(1200, "13", "15", "13", "14", "2", true),
		candle(1500, "14", "16", "14", "15", "2", true),
		candle(1800, "15", "16", "15", "16", "0.5", false),
	}
}

func newEngine(t *testing.T, f *fakeFetcher, periods ...string) *Engine {
	t.Helper()
	e, err := New(Config{
		Key:            testKey,
		FineInterval:   domain.Interval5m,
		CoarseInterval: domain.Interval1h,
		Periods:        periods,
	}, f, WithRetry(2, 0))
	require.NoError(t, err)
	return e
}

func TestNewRejectsEmptyPeriods(t *testing.T) {
	_, err := New(Config{Key: testKey, FineInterval: domain.Interval5m, CoarseInterval: domain.Interval1h}, newFakeFetcher())
	assert.ErrorIs(t, err, ErrNoPeriods)

	_, err = New(Config{Key: testKey, FineInterval: domain.Interval5m, CoarseInterval: domain.Interval1h, Periods: []string{"7m", "99d"}}, newFakeFetcher())
	assert.ErrorIs(t, err, ErrNoPeriods)

	_, err = New(Config{Key: testKey, CoarseInterval: domain.Interval1h, Periods: []string{"1h"}}, newFakeFetcher())
	assert.ErrorIs(t, err, domain.ErrInvalidInterval)
}

func TestNewSeriesLength(t *testing.T) {
	e := newEngine(t, newFakeFetcher(), "xm", "1h", "5d", "1d")
	assert.Equal(t, 289, e.fine.max)
	assert.Equal(t, 241, e.coarse.max)
	assert.Len(t, e.fine.periods, 2)
	assert.Len(t, e.coarse.periods, 2)

	e = newEngine(t, newFakeFetcher(), "xm", "4h")
	assert.False(t, e.coarse.enabled())
}

func TestComputeWindows(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm", "15m")

	require.True(t, e.Compute(context.Background()))
	assert.True(t, e.IsReady())
	assert.True(t, e.HasData())
	assert.Equal(t, 289, f.limits[domain.Interval5m])
	assert.Equal(t, 0, f.callCount(domain.Interval1h))

	data := e.Data()
	require.NotNil(t, data)
	require.Len(t, data, 3)

	cur := data[domain.CurrentPeriod]
	assert.Equal(t, "5m", cur.Period)
	assert.Equal(t, int64(300), cur.Duration)
	assertDec(t, "16", cur.Last.Price)
	assert.Equal(t, int64(1800), cur.Last.From)
	assert.Equal(t, int64(2100), cur.Last.To)
	assertDec(t, "15", cur.Previous.Price)
	assertDec(t, "1", cur.Delta.Price)
	assertDec(t, "6.6667", cur.Delta.PricePercent)
	assertDec(t, "-1.5", cur.Delta.Volume)
	assertDec(t, "-75", cur.Delta.VolumePercent)

	xm := data["xm"]
	assert.Equal(t, "5m", xm.Period)
	assert.Equal(t, int64(1500), xm.Last.From)
	assert.Equal(t, int64(1800), xm.Last.To)
	assertDec(t, "15", xm.Last.Price)
	assertDec(t, "14", xm.Previous.Price)
	assertDec(t, "7.1429", xm.Delta.PricePercent)
	assertDec(t, "0", xm.Delta.Volume)
	assertDec(t, "0", xm.Delta.VolumePercent)

	q := data["15m"]
	assert.Equal(t, "15m", q.Period)
	assert.Equal(t, int64(900), q.Duration)
	assert.Equal(t, int64(900), q.Last.From)
	assert.Equal(t, int64(1800), q.Last.To)
	assert.Equal(t, int64(0), q.Previous.From)
	assert.Equal(t, int64(900), q.Previous.To)
	assertDec(t, "15", q.Last.Price)
	assertDec(t, "16", q.Last.High)
	assertDec(t, "12", q.Last.Low)
	assert.Equal(t, "6", q.Last.Volume.String())
	assertDec(t, "12", q.Previous.Price)
	assertDec(t, "13", q.Previous.High)
	assertDec(t, "9", q.Previous.Low)
	assert.Equal(t, "3", q.Previous.Volume.String())
	assertDec(t, "3", q.Delta.Price)
	assertDec(t, "25", q.Delta.PricePercent)
	assertDec(t, "3", q.Delta.Volume)
	assertDec(t, "100", q.Delta.VolumePercent)
}

func TestComputeIsIdempotent(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm", "15m", "1h")

	require.True(t, e.Compute(context.Background()))
	first := e.Data()
	require.True(t, e.Compute(context.Background()))
	second := e.Data()

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.callCount(domain.Interval5m))
}

func TestComputeCopyOnWrite(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm", "15m")

	require.True(t, e.Compute(context.Background()))
	before := e.Data()
	beforeCurrent := before[domain.CurrentPeriod]

	// update of the open kline: only the current period moves
	e.AddCandle(candle(1800, "15", "17", "15", "17", "1", false))
	require.True(t, e.Compute(context.Background()))
	after := e.Data()

	assert.Same(t, before["15m"], after["15m"])
	assert.Same(t, before["xm"], after["xm"])
	assert.NotSame(t, beforeCurrent, after[domain.CurrentPeriod])
	assertDec(t, "17", after[domain.CurrentPeriod].Last.Price)
	// the published map was not touched
	assert.Same(t, beforeCurrent, before[domain.CurrentPeriod])
	assertDec(t, "16", before[domain.CurrentPeriod].Last.Price)

	// closing update and a new kline: minute periods move
	e.AddCandle(candle(1800, "15", "17", "15", "17", "1", true))
	e.AddCandle(candle(2100, "", "", "", "", "0", false))
	require.True(t, e.Compute(context.Background()))
	last := e.Data()

	assert.NotSame(t, after["15m"], last["15m"])
	assert.Equal(t, int64(2100), last["15m"].Last.To)
	assertDec(t, "17", last["15m"].Last.Price)
	assert.Equal(t, 1, f.callCount(domain.Interval5m))

	// the new kline was backfilled from the previous close
	newest := e.fine.data[len(e.fine.data)-1]
	assertDec(t, "17", newest.Open)
	assertDec(t, "17", newest.Close)
}

func TestAddCandleReplacesQueueTail(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm")

	e.AddCandle(candle(2100, "16", "16", "16", "16", "1", false))
	assert.Empty(t, e.fine.queue, "updates are ignored until ready")

	require.True(t, e.Compute(context.Background()))
	e.AddCandle(candle(2100, "16", "16", "16", "16", "1", false))
	e.AddCandle(candle(2100, "16", "18", "16", "18", "2", false))
	require.Len(t, e.fine.queue, 1)
	assertDec(t, "18", e.fine.queue[0].Close)

	e.AddCandle(candle(2400, "18", "18", "18", "18", "1", false))
	assert.Len(t, e.fine.queue, 2)
}

func TestQueueGapForcesRetrieval(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm")

	require.True(t, e.Compute(context.Background()))
	require.Equal(t, 1, f.callCount(domain.Interval5m))

	// 1800 is the last stored kline, 2400 skips one interval
	e.AddCandle(candle(2400, "16", "16", "16", "16", "1", false))
	require.True(t, e.Compute(context.Background()))
	assert.Equal(t, 2, f.callCount(domain.Interval5m))
	assert.Equal(t, int64(1800), e.fine.data[len(e.fine.data)-1].Timestamp)
}

func TestQueueDropsOutdatedUpdates(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm")

	require.True(t, e.Compute(context.Background()))
	e.AddCandle(candle(1200, "1", "1", "1", "1", "1", true))
	require.True(t, e.Compute(context.Background()))

	assert.Equal(t, 1, f.callCount(domain.Interval5m))
	assertDec(t, "14", e.fine.data[4].Close)
}

func TestGapRepair(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = []domain.Candle{
		candle(0, "10", "11", "9", "10", "1", true),
		candle(600, "", "12", "10", "", "1", true),
		candle(900, "11", "13", "11", "12", "1", false),
	}
	e := newEngine(t, f, "xm")

	require.True(t, e.Compute(context.Background()))
	require.Len(t, e.fine.data, 4)

	fill := e.fine.data[1]
	assert.Equal(t, int64(300), fill.Timestamp)
	assertDec(t, "10", fill.Open)
	assertDec(t, "10", fill.Close)
	assertDec(t, "", fill.High)
	assertDec(t, "", fill.Low)
	assert.True(t, fill.Volume.IsZero())
	assert.True(t, fill.Closed)

	// missing open and close on the kline after the hole are backfilled
	assertDec(t, "10", e.fine.data[2].Open)
	assertDec(t, "10", e.fine.data[2].Close)
}

func TestGapRepairIrregularGap(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = []domain.Candle{
		candle(0, "10", "11", "9", "10", "1", true),
		candle(1000, "10", "11", "9", "11", "1", true),
	}
	e := newEngine(t, f, "xm")

	require.True(t, e.Compute(context.Background()))
	timestamps := make([]int64, 0, len(e.fine.data))
	for _, c := range e.fine.data {
		timestamps = append(timestamps, c.Timestamp)
	}
	assert.Equal(t, []int64{0, 300, 600, 1000}, timestamps)
}

func TestInsufficientData(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = []domain.Candle{
		candle(0, "10", "11", "9", "10", "1", false),
	}
	e := newEngine(t, f, "xm")

	assert.False(t, e.Compute(context.Background()))
	assert.True(t, e.IsReady())
	assert.False(t, e.HasData())
	assert.Nil(t, e.Data())

	assert.False(t, e.Compute(context.Background()))
	assert.False(t, e.HasData())
	assert.Nil(t, e.Data())
}

func TestRetrievalFailureResets(t *testing.T) {
	f := newFakeFetcher()
	f.errs[domain.Interval5m] = errors.New("gateway down")
	e := newEngine(t, f, "xm")

	assert.False(t, e.Compute(context.Background()))
	assert.Equal(t, 2, f.callCount(domain.Interval5m))
	assert.False(t, e.IsReady())
	assert.False(t, e.HasData())
}

func TestEmptyCoarseRetrievalResetsBoth(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	// a single open coarse kline is dropped, leaving nothing
	f.klines[domain.Interval1h] = []domain.Candle{candle(0, "1", "1", "1", "1", "1", false)}
	e := newEngine(t, f, "xm", "1d")

	assert.False(t, e.Compute(context.Background()))
	assert.Empty(t, e.fine.data)
	assert.Empty(t, e.coarse.data)
	assert.False(t, e.IsReady())
	assert.Equal(t, 1, f.callCount(domain.Interval5m))
	assert.Equal(t, 1, f.callCount(domain.Interval1h))
}

func TestDayPeriods(t *testing.T) {
	const hour = 3600
	coarse := make([]domain.Candle, 0, 49)
	for i := int64(0); i < 49; i++ {
		price := decimal.NewFromInt(i).String()
		coarse = append(coarse, candle(i*hour, price, price, price, price, "1", true))
	}
	f := newFakeFetcher()
	f.klines[domain.Interval1h] = coarse
	f.klines[domain.Interval5m] = []domain.Candle{
		candle(48*hour, "48", "48", "48", "48", "1", true),
		candle(48*hour+300, "48", "48", "48", "48", "1", false),
	}
	e := newEngine(t, f, "xm", "1d")

	require.True(t, e.Compute(context.Background()))
	assert.Equal(t, 49, f.limits[domain.Interval1h])
	assert.Equal(t, boundary{open: 49 * hour, close: 50 * hour}, e.coarse.next)

	d := e.Data()["1d"]
	require.NotNil(t, d)
	assert.Equal(t, "1d", d.Period)
	assert.Equal(t, int64(49*hour), d.Last.To)
	assert.Equal(t, int64(25*hour), d.Last.From)
	assert.Equal(t, int64(hour), d.Previous.From)
	assertDec(t, "48", d.Last.Price)
	assertDec(t, "25", d.Last.Low)
	assert.Equal(t, "24", d.Last.Volume.String())
	assertDec(t, "24", d.Previous.Price)
	assertDec(t, "24", d.Delta.Price)
	assertDec(t, "100", d.Delta.PricePercent)
	assertDec(t, "0", d.Delta.VolumePercent)
}

func TestDeriveCoarseCandle(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval1h] = []domain.Candle{
		candle(0, "1", "2", "1", "5", "10", true),
		candle(3600, "5", "6", "4", "5", "3", false),
	}
	fine := make([]domain.Candle, 0, 13)
	for i := int64(0); i < 12; i++ {
		open := decimal.NewFromInt(10 + i).String()
		close := decimal.NewFromInt(11 + i).String()
		high := decimal.NewFromInt(20 + i%3).String()
		low := decimal.NewFromInt(9 - i%4).String()
		fine = append(fine, candle(3600+i*300, open, high, low, close, "1.5", true))
	}
	fine = append(fine, candle(7200, "23", "23", "23", "23", "1", false))
	f.klines[domain.Interval5m] = fine

	e := newEngine(t, f, "xm", "1d")
	require.True(t, e.Compute(context.Background()))

	require.Len(t, e.coarse.data, 2)
	k := e.coarse.data[1]
	assert.Equal(t, int64(3600), k.Timestamp)
	assertDec(t, "10", k.Open)
	assertDec(t, "22", k.Close)
	assertDec(t, "22", k.High)
	assertDec(t, "6", k.Low)
	assert.Equal(t, "18", k.Volume.String())
	assert.True(t, k.Closed)
	assert.Equal(t, boundary{open: 7200, close: 10800}, e.coarse.next)
}

func TestDestroy(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	e := newEngine(t, f, "xm")

	require.True(t, e.Compute(context.Background()))
	e.Destroy()

	assert.True(t, e.IsDestroyed())
	assert.False(t, e.IsReady())
	assert.False(t, e.HasData())
	assert.Nil(t, e.Data())
	assert.False(t, e.Compute(context.Background()))
	assert.Nil(t, e.Data())

	e.AddCandle(candle(2100, "1", "1", "1", "1", "1", false))
	assert.Empty(t, e.fine.queue)
}

func TestDestroyDuringRetrieval(t *testing.T) {
	f := newFakeFetcher()
	f.klines[domain.Interval5m] = fineKlines()
	f.release = make(chan struct{})
	e := newEngine(t, f, "xm")

	done := make(chan bool)
	go func() {
		done <- e.Compute(context.Background())
	}()

	e.Destroy()
	close(f.release)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("compute did not return")
	}
	assert.Nil(t, e.Data())
	assert.False(t, e.HasData())
}

func TestDelta(t *testing.T) {
	d := delta(
		domain.Window{Price: dec("105"), Volume: decimal.NewFromInt(10)},
		domain.Window{Price: dec("100"), Volume: decimal.Zero},
	)
	assertDec(t, "5", d.Price)
	assertDec(t, "5.0000", d.PricePercent)
	assertDec(t, "10", d.Volume)
	assertDec(t, "", d.VolumePercent)

	d = delta(
		domain.Window{Price: dec("3"), Volume: decimal.NewFromInt(1)},
		domain.Window{Price: dec("0"), Volume: decimal.NewFromInt(3)},
	)
	assertDec(t, "3", d.Price)
	assertDec(t, "", d.PricePercent)
	assertDec(t, "-66.6667", d.VolumePercent)

	d = delta(domain.Window{Price: dec("3")}, domain.Window{})
	assert.Equal(t, domain.Delta{}, d)
}
