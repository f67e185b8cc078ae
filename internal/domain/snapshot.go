package domain

import "github.com/shopspring/decimal"

type (
	Exchange string
	Pair     string
)

// Key identifies an exchange pair.
type Key struct {
	Exchange Exchange
	Pair     Pair
}

func (k Key) String() string {
	return string(k.Exchange) + "|" + string(k.Pair)
}

// Window aggregates the klines of one side of an evolution period.
type Window struct {
	Price  decimal.NullDecimal `json:"price"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Volume decimal.Decimal     `json:"volume"`
	From   int64               `json:"fromTimestamp"`
	To     int64               `json:"toTimestamp"`
}

// Delta is last minus previous. Every field is null when either price is unknown.
type Delta struct {
	Price         decimal.NullDecimal `json:"price"`
	PricePercent  decimal.NullDecimal `json:"pricePercent"`
	Volume        decimal.NullDecimal `json:"volume"`
	VolumePercent decimal.NullDecimal `json:"volumePercent"`
}

type Evolution struct {
	Period   string `json:"period"`
	Duration int64  `json:"duration"`
	Last     Window `json:"last"`
	Previous Window `json:"previous"`
	Delta    Delta  `json:"delta"`
}

// PairSnapshot is the evolution of a single pair for every configured period.
// Published snapshots are never mutated: producers build a new map and share the
// *Evolution values that did not change.
type PairSnapshot map[PeriodID]*Evolution

// Snapshot is the evolution of every pair, keyed by exchange then pair.
type Snapshot map[Exchange]map[Pair]PairSnapshot

// Len returns the number of pairs.
func (s Snapshot) Len() int {
	n := 0
	for _, pairs := range s {
		n += len(pairs)
	}
	return n
}

// Clone returns a copy of the exchange and pair maps. PairSnapshot values are shared.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for exchange, pairs := range s {
		cp := make(map[Pair]PairSnapshot, len(pairs))
		for pair, data := range pairs {
			cp[pair] = data
		}
		out[exchange] = cp
	}
	return out
}

// Set stores data for key, creating the exchange map when needed.
func (s Snapshot) Set(key Key, data PairSnapshot) {
	pairs, ok := s[key.Exchange]
	if !ok {
		pairs = make(map[Pair]PairSnapshot)
		s[key.Exchange] = pairs
	}
	pairs[key.Pair] = data
}

// Get returns the snapshot of a single pair.
func (s Snapshot) Get(key Key) (PairSnapshot, bool) {
	pairs, ok := s[key.Exchange]
	if !ok {
		return nil, false
	}
	p, ok := pairs[key.Pair]
	return p, ok
}

// Without returns a copy of s without the given pairs. Empty exchanges are dropped.
func (s Snapshot) Without(keys ...Key) Snapshot {
	drop := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make(Snapshot, len(s))
	for exchange, pairs := range s {
		kept := make(map[Pair]PairSnapshot, len(pairs))
		for pair, data := range pairs {
			if _, ok := drop[Key{Exchange: exchange, Pair: pair}]; ok {
				continue
			}
			kept[pair] = data
		}
		if len(kept) > 0 {
			out[exchange] = kept
		}
	}
	return out
}
