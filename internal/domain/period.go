package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
)

var ErrInvalidPeriod = errors.New("invalid data period")

type Unit byte

const (
	Minute Unit = 'm'
	Hour   Unit = 'h'
	Day    Unit = 'd'
)

func (u Unit) seconds() int64 {
	switch u {
	case Minute:
		return 60
	case Hour:
		return 3600
	case Day:
		return 86400
	}
	return 0
}

// PeriodID identifies an entry of a PairSnapshot.
type PeriodID string

// CurrentPeriod holds the evolution of the still open kline against the last closed one.
const CurrentPeriod PeriodID = "current"

// NativePeriod is the token standing for the fine interval itself.
const NativePeriod = "xm"

type Period struct {
	ID       PeriodID
	Label    string
	Value    int
	Unit     Unit
	Duration int64
}

// PeriodPattern matches period tokens: a value or "x", then a unit.
var PeriodPattern = regexp.MustCompile(`^(x|[1-9][0-9]?)([mhd])$`)

// ParsePeriod parses a period token. "xm" resolves to the fine interval.
// Supported minutes are 1, 3, 5, 15, 30 and 45, hours 1 to 23 and days 1 to 30.
func ParsePeriod(token string, fine Interval) (Period, error) {
	if token == NativePeriod {
		label := fine.String()
		if label == "" {
			return Period{}, fmt.Errorf("%w: %q with fine interval %d", ErrInvalidPeriod, token, fine)
		}
		p := Period{ID: NativePeriod, Label: label, Unit: Minute, Duration: fine.Seconds()}
		p.Value = int(p.Duration / Minute.seconds())
		return p, nil
	}

	m := PeriodPattern.FindStringSubmatch(token)
	if m == nil || m[1] == "x" {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, token)
	}
	value, _ := strconv.Atoi(m[1])
	unit := Unit(m[2][0])

	supported := false
	switch unit {
	case Minute:
		switch value {
		case 1, 3, 5, 15, 30, 45:
			supported = true
		}
	case Hour:
		supported = value <= 23
	case Day:
		supported = value <= 30
	}
	if !supported {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, token)
	}

	return Period{
		ID:       PeriodID(token),
		Label:    token,
		Value:    value,
		Unit:     unit,
		Duration: int64(value) * unit.seconds(),
	}, nil
}

// SortPeriods parses tokens, drops unsupported ones with a warning and returns the
// remaining periods sorted by duration. When two tokens share a duration the first one wins.
func SortPeriods(tokens []string, fine Interval) []Period {
	periods := make([]Period, 0, len(tokens))
	seen := make(map[int64]struct{}, len(tokens))
	for _, token := range tokens {
		p, err := ParsePeriod(token, fine)
		if err != nil {
			slog.Warn("data period is not supported", "period", token, "error", err)
			continue
		}
		if _, ok := seen[p.Duration]; ok {
			continue
		}
		seen[p.Duration] = struct{}{}
		periods = append(periods, p)
	}

	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].Duration < periods[j].Duration
	})

	return periods
}
