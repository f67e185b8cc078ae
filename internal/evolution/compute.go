package evolution

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

const percentPlaces = 4

var hundred = decimal.NewFromInt(100)

// computeData refreshes the snapshot from both series. Entries whose source did not
// change are carried over from the previous snapshot.
func (e *Engine) computeData() bool {
	f := e.fine
	if len(f.data) == 0 {
		return false
	}

	newest := f.data[len(f.data)-1]
	if f.last != nil && f.last.Equal(newest) {
		return e.data != nil
	}
	f.last = &newest

	var lastClosed *domain.Candle
	for i := len(f.data) - 1; i >= 0; i-- {
		if f.data[i].Closed {
			c := f.data[i]
			lastClosed = &c
			break
		}
	}
	if lastClosed == nil {
		return false
	}

	data := make(domain.PairSnapshot, len(f.periods)+len(e.coarse.periods)+1)
	for id, ev := range e.data {
		data[id] = ev
	}
	data[domain.CurrentPeriod] = current(newest, *lastClosed, f.interval)

	if f.lastClosed == nil || !f.lastClosed.Equal(*lastClosed) {
		f.lastClosed = lastClosed
		evolve(data, f.data, f.periods, lastClosed.Timestamp+f.step)
	}

	if c := e.coarse; c.enabled() && len(c.data) > 0 {
		top := c.data[len(c.data)-1]
		if c.last == nil || !c.last.Equal(top) {
			c.last = &top
			evolve(data, c.data, c.periods, top.Timestamp+c.step)
		}
	}

	e.data = data
	return true
}

// current compares the newest, possibly open, kline with the last closed one.
func current(last, previous domain.Candle, interval domain.Interval) *domain.Evolution {
	step := interval.Seconds()
	ev := &domain.Evolution{
		Period:   interval.String(),
		Duration: step,
		Last:     candleWindow(last, step),
		Previous: candleWindow(previous, step),
	}
	ev.Delta = delta(ev.Last, ev.Previous)
	return ev
}

func candleWindow(c domain.Candle, step int64) domain.Window {
	return domain.Window{
		Price:  c.Close,
		High:   c.High,
		Low:    c.Low,
		Volume: c.Volume,
		From:   c.Timestamp,
		To:     c.Timestamp + step,
	}
}

// evolve recomputes periods from candles, with the last window ending at anchor.
func evolve(data domain.PairSnapshot, candles []domain.Candle, periods []domain.Period, anchor int64) {
	if len(periods) == 0 {
		return
	}

	windows := make([]*periodWindows, len(periods))
	minTimestamp := int64(math.MaxInt64)
	for i, p := range periods {
		w := newPeriodWindows(p, anchor)
		if w.previous.From < minTimestamp {
			minTimestamp = w.previous.From
		}
		windows[i] = w
	}

	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		if c.Timestamp < minTimestamp {
			break
		}
		for _, w := range windows {
			w.last.add(c)
			w.previous.add(c)
		}
	}

	for i, p := range periods {
		w := windows[i]
		ev := &domain.Evolution{
			Period:   p.Label,
			Duration: p.Duration,
			Last:     w.last.Window,
			Previous: w.previous.Window,
		}
		ev.Delta = delta(ev.Last, ev.Previous)
		data[p.ID] = ev
	}
}

type periodWindows struct {
	last     accumulator
	previous accumulator
}

func newPeriodWindows(p domain.Period, anchor int64) *periodWindows {
	w := &periodWindows{}
	w.last.To = anchor
	w.last.From = anchor - p.Duration
	w.previous.To = w.last.From
	w.previous.From = w.previous.To - p.Duration
	w.last.Volume = decimal.Zero
	w.previous.Volume = decimal.Zero
	return w
}

type accumulator struct {
	domain.Window
}

// add folds c into the window when its timestamp is in [From, To). Candles are
// visited newest first so the first known close is the window price.
func (a *accumulator) add(c domain.Candle) {
	if c.Timestamp < a.From || c.Timestamp >= a.To {
		return
	}
	if !a.Price.Valid {
		a.Price = c.Close
	}
	a.High = maxNull(a.High, c.High)
	a.Low = minNull(a.Low, c.Low)
	a.Volume = a.Volume.Add(c.Volume)
}

// delta is empty unless both prices are known. Percentages are only set for a
// positive previous value.
func delta(last, previous domain.Window) domain.Delta {
	var d domain.Delta
	if !last.Price.Valid || !previous.Price.Valid {
		return d
	}

	price := last.Price.Decimal.Sub(previous.Price.Decimal)
	d.Price = domain.Valid(price)
	if previous.Price.Decimal.IsPositive() {
		d.PricePercent = domain.Valid(percent(price, previous.Price.Decimal))
	}

	volume := last.Volume.Sub(previous.Volume)
	d.Volume = domain.Valid(volume)
	if previous.Volume.IsPositive() {
		d.VolumePercent = domain.Valid(percent(volume, previous.Volume))
	}

	return d
}

func percent(delta, base decimal.Decimal) decimal.Decimal {
	return delta.Mul(hundred).DivRound(base, percentPlaces)
}
