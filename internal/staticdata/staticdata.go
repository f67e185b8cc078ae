// Package staticdata serves klines from JSON files instead of the gateway.
//
// A dataset directory is laid out as {root}/{exchange}/{pair}/{interval}.json for
// REST-like history and {root}/{exchange}/{pair}/{interval}.ws.json for recorded
// real-time updates.
package staticdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

type Provider struct {
	fs   afero.Fs
	root string
}

func New(fs afero.Fs, root string) *Provider {
	return &Provider{fs: fs, root: root}
}

// Klines returns at most limit of the most recent klines of the dataset. A missing or
// invalid file yields an empty list.
func (p *Provider) Klines(ctx context.Context, exchange domain.Exchange, pair domain.Pair, interval domain.Interval, limit int) ([]domain.Candle, error) {
	candles := p.read(ctx, p.path(exchange, pair, interval.String()+".json"))
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// Updates returns the recorded real-time updates of the dataset, in arrival order.
func (p *Provider) Updates(ctx context.Context, exchange domain.Exchange, pair domain.Pair, interval domain.Interval) []domain.Candle {
	return p.read(ctx, p.path(exchange, pair, interval.String()+".ws.json"))
}

func (p *Provider) path(exchange domain.Exchange, pair domain.Pair, name string) string {
	return filepath.Join(p.root, string(exchange), string(pair), name)
}

func (p *Provider) read(ctx context.Context, path string) []domain.Candle {
	exists, err := afero.Exists(p.fs, path)
	if err != nil || !exists {
		slog.WarnContext(ctx, "static data file does not exist", "path", path)
		return []domain.Candle{}
	}

	buf, err := afero.ReadFile(p.fs, path)
	if err != nil {
		slog.WarnContext(ctx, "failed to read static data file", "path", path, "error", err)
		return []domain.Candle{}
	}

	var candles []domain.Candle
	if err := json.Unmarshal(buf, &candles); err != nil {
		slog.WarnContext(ctx, "static data file is not valid JSON", "path", path, "error", err)
		return []domain.Candle{}
	}

	return candles
}
