package oteladapters

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

// MetricsCollector implements pubsub.MetricsCollector using the OpenTelemetry metrics API:
//   - RecordDuration -> Float64Histogram in seconds
//   - IncrementCounter -> Int64Counter
//   - RecordValue -> Float64Gauge
//
// Instruments are created on first use of a metric name and are safe for concurrent use.
type MetricsCollector struct {
	meter      metric.Meter
	histograms *xsync.MapOf[string, metric.Float64Histogram]
	counters   *xsync.MapOf[string, metric.Int64Counter]
	gauges     *xsync.MapOf[string, metric.Float64Gauge]
}

// NewMetricsCollector creates a metrics collector on a meter from your MeterProvider.
func NewMetricsCollector(meter metric.Meter) *MetricsCollector {
	return &MetricsCollector{
		meter:      meter,
		histograms: xsync.NewMapOf[string, metric.Float64Histogram](),
		counters:   xsync.NewMapOf[string, metric.Int64Counter](),
		gauges:     xsync.NewMapOf[string, metric.Float64Gauge](),
	}
}

// RecordDuration records duration in seconds.
func (m *MetricsCollector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	m.RecordDurationContext(context.Background(), name, duration, labels)
}

// RecordDurationContext records duration in seconds with the context's exemplars.
func (m *MetricsCollector) RecordDurationContext(ctx context.Context, name string, duration time.Duration, labels map[string]string) {
	histogram := m.histogram(name)
	if histogram == nil {
		return
	}

	histogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attributes(labels)...))
}

// IncrementCounter adds one to the counter.
func (m *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.IncrementCounterContext(context.Background(), name, labels)
}

// IncrementCounterContext adds one to the counter with the context's exemplars.
func (m *MetricsCollector) IncrementCounterContext(ctx context.Context, name string, labels map[string]string) {
	counter := m.counter(name)
	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attributes(labels)...))
}

// RecordValue sets the gauge to value.
func (m *MetricsCollector) RecordValue(name string, value float64, labels map[string]string) {
	m.RecordValueContext(context.Background(), name, value, labels)
}

// RecordValueContext sets the gauge to value with the context's exemplars.
func (m *MetricsCollector) RecordValueContext(ctx context.Context, name string, value float64, labels map[string]string) {
	gauge := m.gauge(name)
	if gauge == nil {
		return
	}

	gauge.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

// histogram returns nil if the meter rejects the instrument, e.g. for an invalid name.
func (m *MetricsCollector) histogram(name string) metric.Float64Histogram {
	if m.meter == nil {
		return nil
	}

	histogram, _ := m.histograms.LoadOrTryCompute(name, func() (metric.Float64Histogram, bool) {
		h, err := m.meter.Float64Histogram(name, metric.WithDescription("pubsub operation duration"), metric.WithUnit("s"))
		return h, err != nil
	})

	return histogram
}

func (m *MetricsCollector) counter(name string) metric.Int64Counter {
	if m.meter == nil {
		return nil
	}

	counter, _ := m.counters.LoadOrTryCompute(name, func() (metric.Int64Counter, bool) {
		c, err := m.meter.Int64Counter(name, metric.WithDescription("pubsub event counter"))
		return c, err != nil
	})

	return counter
}

func (m *MetricsCollector) gauge(name string) metric.Float64Gauge {
	if m.meter == nil {
		return nil
	}

	gauge, _ := m.gauges.LoadOrTryCompute(name, func() (metric.Float64Gauge, bool) {
		g, err := m.meter.Float64Gauge(name, metric.WithDescription("pubsub current value"))
		return g, err != nil
	})

	return gauge
}

var (
	_ pubsub.MetricsCollector           = (*MetricsCollector)(nil)
	_ pubsub.ContextualMetricsCollector = (*MetricsCollector)(nil)
)
