package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a kline interval as advertised by the gateway.
type Interval time.Duration

func (i Interval) String() string {
	return intervalToString[i]
}

// Seconds returns the interval duration in seconds, the unit used by kline timestamps.
func (i Interval) Seconds() int64 {
	return int64(time.Duration(i) / time.Second)
}

func (i Interval) MarshalText() ([]byte, error) {
	s, ok := intervalToString[i]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, time.Duration(i))
	}
	return []byte(s), nil
}

func (i *Interval) UnmarshalText(text []byte) error {
	v, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func ParseInterval(s string) (Interval, error) {
	i, ok := stringToInterval[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	return i, nil
}

const (
	Interval1m  = Interval(time.Minute)
	Interval3m  = Interval(time.Minute * 3)
	Interval5m  = Interval(time.Minute * 5)
	Interval15m = Interval(time.Minute * 15)
	Interval30m = Interval(time.Minute * 30)
	Interval1h  = Interval(time.Hour)
	Interval2h  = Interval(time.Hour * 2)
	Interval4h  = Interval(time.Hour * 4)
	Interval6h  = Interval(time.Hour * 6)
	Interval8h  = Interval(time.Hour * 8)
	Interval12h = Interval(time.Hour * 12)
	Interval1d  = Interval(time.Hour * 24)
	Interval3d  = Interval(time.Hour * 24 * 3)
	Interval1w  = Interval(time.Hour * 24 * 7)
	Interval1M  = Interval(time.Hour * 24 * 30)
)

var intervalToString = map[Interval]string{
	Interval1m:  "1m",
	Interval3m:  "3m",
	Interval5m:  "5m",
	Interval15m: "15m",
	Interval30m: "30m",
	Interval1h:  "1h",
	Interval2h:  "2h",
	Interval4h:  "4h",
	Interval6h:  "6h",
	Interval8h:  "8h",
	Interval12h: "12h",
	Interval1d:  "1d",
	Interval3d:  "3d",
	Interval1w:  "1w",
	Interval1M:  "1M",
}

var stringToInterval = map[string]Interval{
	"1m":  Interval1m,
	"3m":  Interval3m,
	"5m":  Interval5m,
	"15m": Interval15m,
	"30m": Interval30m,
	"1h":  Interval1h,
	"2h":  Interval2h,
	"4h":  Interval4h,
	"6h":  Interval6h,
	"8h":  Interval8h,
	"12h": Interval12h,
	"1d":  Interval1d,
	"3d":  Interval3d,
	"1w":  Interval1w,
	"1M":  Interval1M,
}
