package evolution

import (
	"github.com/shopspring/decimal"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

type boundary struct {
	open  int64
	close int64
}

// series is a bounded list of klines, oldest first.
type series struct {
	interval domain.Interval
	step     int64
	// max is the retention length, 0 disables the series.
	max     int
	periods []domain.Period
	data    []domain.Candle

	// last and lastClosed are the candles seen by the previous delta computation.
	last       *domain.Candle
	lastClosed *domain.Candle

	// fine series only
	queue []domain.Candle
	// coarse series only
	next boundary
}

func (s *series) enabled() bool {
	return s.max > 0
}

func (s *series) reset() {
	s.data = nil
	s.queue = nil
	s.last = nil
	s.lastClosed = nil
	s.next = boundary{}
}

func (s *series) trim() {
	excess := len(s.data) - s.max
	if excess <= 0 {
		return
	}
	n := copy(s.data, s.data[excess:])
	clear(s.data[n:])
	s.data = s.data[:n]
}

func filler(ts int64, price decimal.NullDecimal) domain.Candle {
	return domain.Candle{
		Timestamp: ts,
		Open:      price,
		Close:     price,
		Volume:    decimal.Zero,
		Closed:    true,
	}
}

// backfill sets a missing open from the previous close and a missing close from the open.
func backfill(c *domain.Candle, prev domain.Candle) {
	if !c.Open.Valid {
		c.Open = prev.Close
	}
	if !c.Close.Valid {
		c.Close = c.Open
	}
}

func maxNull(a, b decimal.NullDecimal) decimal.NullDecimal {
	if !b.Valid {
		return a
	}
	if !a.Valid || b.Decimal.GreaterThan(a.Decimal) {
		return b
	}
	return a
}

func minNull(a, b decimal.NullDecimal) decimal.NullDecimal {
	if !b.Valid {
		return a
	}
	if !a.Valid || b.Decimal.LessThan(a.Decimal) {
		return b
	}
	return a
}
