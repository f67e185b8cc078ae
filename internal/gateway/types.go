package gateway

import (
	"encoding/json"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

type Services struct {
	Exchanges map[domain.Exchange]ExchangeService `json:"exchanges"`
}

type ExchangeService struct {
	Features Features `json:"features"`
}

type Features struct {
	WsKlines KlinesFeature `json:"wsKlines"`
}

type KlinesFeature struct {
	Enabled bool `json:"enabled"`
	// Intervals are kept as strings, the gateway may advertise codes we do not know.
	Intervals []string `json:"intervals"`
}

// Supports reports whether the exchange streams klines for interval.
func (f KlinesFeature) Supports(interval domain.Interval) bool {
	code := interval.String()
	for _, i := range f.Intervals {
		if i == code {
			return true
		}
	}
	return false
}

// Subscriptions of a session, keyed by exchange.
type Subscriptions map[domain.Exchange]ExchangeSubscriptions

type ExchangeSubscriptions struct {
	Klines *KlinesSubscriptions `json:"klines,omitempty"`
}

type KlinesSubscriptions struct {
	// Pairs maps a pair to its subscribed intervals.
	Pairs map[domain.Pair]map[string]json.RawMessage `json:"pairs"`
}

// Has reports whether klines of key are still subscribed for interval. When they are
// not, reason tells which level of the subscription is missing.
func (s Subscriptions) Has(key domain.Key, interval domain.Interval) (ok bool, reason string) {
	ex, found := s[key.Exchange]
	if !found {
		return false, "no subscription for exchange"
	}
	if ex.Klines == nil {
		return false, "no klines subscription for exchange"
	}
	intervals, found := ex.Klines.Pairs[key.Pair]
	if !found {
		return false, "no klines subscription for pair"
	}
	if _, found := intervals[interval.String()]; !found {
		return false, "no klines subscription for interval"
	}
	return true, ""
}

// KlineEvent is a kline notification received from the stream.
type KlineEvent struct {
	Exchange domain.Exchange `json:"exchange"`
	Pair     domain.Pair     `json:"pair"`
	Interval string          `json:"interval"`
	Candle   domain.Candle   `json:"data"`
}

type notification struct {
	Name string          `json:"n"`
	Data json.RawMessage `json:"d"`
}
