package orchestrator

import (
	"slices"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
	"github.com/0xc0d3d00d/heatmap/internal/gateway"
)

// acceptedFineIntervals are the intervals usable for the fine series, finest first.
var acceptedFineIntervals = []domain.Interval{
	domain.Interval1m,
	domain.Interval3m,
	domain.Interval5m,
}

// coarseChoices lists the coarse intervals by preference with the number of days each
// can cover. 2h is only a fallback for exchanges without 1h klines.
var coarseChoices = []struct {
	interval domain.Interval
	maxDays  int
}{
	{domain.Interval15m, 7},
	{domain.Interval30m, 15},
	{domain.Interval1h, 30},
	{domain.Interval2h, 30},
}

// Capability holds the intervals selected for an exchange.
type Capability struct {
	// Fine lists the supported fine intervals, finest first.
	Fine   []domain.Interval
	Coarse domain.Interval
}

func (c Capability) accepts(interval domain.Interval) bool {
	return slices.Contains(c.Fine, interval)
}

// SelectCapabilities picks the fine and coarse intervals of every exchange streaming
// klines. The coarse interval is the first supported choice, or the first later one
// which covers maxDays. Exchanges without a usable fine or coarse interval are left out.
func SelectCapabilities(services *gateway.Services, maxDays int) map[domain.Exchange]Capability {
	caps := make(map[domain.Exchange]Capability)
	if services == nil {
		return caps
	}

	for exchange, svc := range services.Exchanges {
		klines := svc.Features.WsKlines
		if !klines.Enabled {
			continue
		}

		var c Capability
		for _, i := range acceptedFineIntervals {
			if klines.Supports(i) {
				c.Fine = append(c.Fine, i)
			}
		}
		if len(c.Fine) == 0 {
			continue
		}

		found := false
		for _, choice := range coarseChoices {
			if !klines.Supports(choice.interval) {
				continue
			}
			if !found {
				c.Coarse = choice.interval
				found = true
				if choice.maxDays >= maxDays {
					break
				}
				continue
			}
			if choice.maxDays >= maxDays {
				c.Coarse = choice.interval
				break
			}
		}
		if !found {
			continue
		}

		caps[exchange] = c
	}

	return caps
}
