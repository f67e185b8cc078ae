// Package metrics holds the OpenTelemetry instruments of the service.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/0xc0d3d00d/heatmap"

// Cycle outcomes.
const (
	OutcomePublished    = "published"
	OutcomeStale        = "stale"
	OutcomeDisconnected = "disconnected"
)

// Metrics is safe to use as a nil pointer, every method is then a no-op.
type Metrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	engines       metric.Int64UpDownCounter
	engineResets  metric.Int64Counter
	subscribers   metric.Int64UpDownCounter
	pushes        metric.Int64Counter
}

// NewPrometheusProvider returns a meter provider whose readings are exposed by the
// default prometheus registry, hence by promhttp.Handler.
func NewPrometheusProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.cycles, err = meter.Int64Counter("heatmap.cycles",
		metric.WithDescription("Recompute cycles by outcome")); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = meter.Float64Histogram("heatmap.cycle.duration",
		metric.WithDescription("Duration of recompute cycles"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.engines, err = meter.Int64UpDownCounter("heatmap.engines",
		metric.WithDescription("Evolution engines in the pool")); err != nil {
		return nil, err
	}
	if m.engineResets, err = meter.Int64Counter("heatmap.engine.resets",
		metric.WithDescription("Full engine resets caused by retrieval failures or gaps")); err != nil {
		return nil, err
	}
	if m.subscribers, err = meter.Int64UpDownCounter("heatmap.subscribers",
		metric.WithDescription("Connected subscribers")); err != nil {
		return nil, err
	}
	if m.pushes, err = meter.Int64Counter("heatmap.pushes",
		metric.WithDescription("Snapshots delivered to subscribers")); err != nil {
		return nil, err
	}

	return &m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func (m *Metrics) CycleCompleted(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) EngineCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.engines.Add(ctx, 1)
}

func (m *Metrics) EngineDestroyed(ctx context.Context) {
	if m == nil {
		return
	}
	m.engines.Add(ctx, -1)
}

func (m *Metrics) EngineReset(ctx context.Context) {
	if m == nil {
		return
	}
	m.engineResets.Add(ctx, 1)
}

func (m *Metrics) SubscriberAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1)
}

func (m *Metrics) SubscriberRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1)
}

func (m *Metrics) Pushed(ctx context.Context, compressed bool) {
	if m == nil {
		return
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("compressed", compressed)))
}
