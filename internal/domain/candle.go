package domain

import "github.com/shopspring/decimal"

func init() {
	// Snapshots are read by browser dashboards which expect numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Candle is a single kline. Timestamp is the open time in seconds.
// Open/High/Low/Close are null when the exchange reported no trade for the interval.
type Candle struct {
	Timestamp int64               `json:"timestamp"`
	Open      decimal.NullDecimal `json:"open"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Close     decimal.NullDecimal `json:"close"`
	Volume    decimal.Decimal     `json:"volume"`
	Closed    bool                `json:"closed"`
}

func (c Candle) Equal(o Candle) bool {
	return c.Timestamp == o.Timestamp &&
		c.Closed == o.Closed &&
		NullEqual(c.Open, o.Open) &&
		NullEqual(c.High, o.High) &&
		NullEqual(c.Low, o.Low) &&
		NullEqual(c.Close, o.Close) &&
		c.Volume.Equal(o.Volume)
}

// Clone returns a copy of c. Decimals are immutable so a value copy is enough,
// the method exists so callers holding a *Candle can detach it from a series.
func (c *Candle) Clone() Candle {
	return *c
}

// NullEqual reports whether both values are null or both hold the same number.
func NullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func Null() decimal.NullDecimal {
	return decimal.NullDecimal{}
}

func Valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
