package staticdata

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

const klines = `[
	{"timestamp":0,"open":1,"high":2,"low":1,"close":2,"volume":10,"closed":true},
	{"timestamp":300,"open":2,"high":3,"low":2,"close":3,"volume":11,"closed":true},
	{"timestamp":600,"open":3,"high":4,"low":2,"close":2.5,"volume":12,"closed":false}
]`

func newProvider(t *testing.T) *Provider {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/binance/USDT-BTC/5m.json", []byte(klines), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/binance/USDT-BTC/1h.json", []byte(`{not json`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/binance/USDT-BTC/5m.ws.json", []byte(`[{"timestamp":600,"close":2.6,"volume":13}]`), 0o644))
	return New(fs, "/data")
}

func TestKlines(t *testing.T) {
	p := newProvider(t)

	candles, err := p.Klines(context.Background(), "binance", "USDT-BTC", domain.Interval5m, 10)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, int64(0), candles[0].Timestamp)
	assert.False(t, candles[2].Closed)
}

func TestKlinesLimit(t *testing.T) {
	p := newProvider(t)

	candles, err := p.Klines(context.Background(), "binance", "USDT-BTC", domain.Interval5m, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(300), candles[0].Timestamp)
	assert.Equal(t, int64(600), candles[1].Timestamp)
}

func TestKlinesMissingOrInvalid(t *testing.T) {
	p := newProvider(t)

	candles, err := p.Klines(context.Background(), "binance", "USDT-ETH", domain.Interval5m, 10)
	require.NoError(t, err)
	assert.Empty(t, candles)

	candles, err = p.Klines(context.Background(), "binance", "USDT-BTC", domain.Interval1h, 10)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func TestUpdates(t *testing.T) {
	p := newProvider(t)

	updates := p.Updates(context.Background(), "binance", "USDT-BTC", domain.Interval5m)
	require.Len(t, updates, 1)
	assert.Equal(t, "2.6", updates[0].Close.Decimal.String())
	assert.False(t, updates[0].Open.Valid)
}
