// Package promadapters implements the pubsub MetricsCollector on the Prometheus client library.
package promadapters

import (
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const (
	helpDuration = "Duration of pubsub operations in seconds"
	helpCounter  = "Number of pubsub events"
	helpValue    = "Last observed pubsub value"
)

// vector is a registered metric vector together with the label keys it was created with.
type vector[V any] struct {
	vec  V
	keys []string
}

// MetricsCollector implements pubsub.MetricsCollector on Prometheus:
//   - RecordDuration -> HistogramVec observing seconds
//   - IncrementCounter -> CounterVec
//   - RecordValue -> GaugeVec
//
// A vector is created and registered on first use of a metric name, with the label keys of that first
// call. Later calls map their labels onto those keys: missing labels are empty and unknown labels are dropped.
type MetricsCollector struct {
	registerer prometheus.Registerer
	buckets    []float64
	histograms *xsync.MapOf[string, vector[*prometheus.HistogramVec]]
	counters   *xsync.MapOf[string, vector[*prometheus.CounterVec]]
	gauges     *xsync.MapOf[string, vector[*prometheus.GaugeVec]]
}

// Option configures a MetricsCollector.
type Option func(*MetricsCollector)

// WithBuckets sets the histogram buckets for durations. The default is prometheus.DefBuckets.
func WithBuckets(buckets []float64) Option {
	return func(m *MetricsCollector) {
		m.buckets = buckets
	}
}

// NewMetricsCollector creates a collector that registers its vectors on registerer.
func NewMetricsCollector(registerer prometheus.Registerer, options ...Option) *MetricsCollector {
	m := &MetricsCollector{
		registerer: registerer,
		buckets:    prometheus.DefBuckets,
		histograms: xsync.NewMapOf[string, vector[*prometheus.HistogramVec]](),
		counters:   xsync.NewMapOf[string, vector[*prometheus.CounterVec]](),
		gauges:     xsync.NewMapOf[string, vector[*prometheus.GaugeVec]](),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// RecordDuration observes duration in seconds.
func (m *MetricsCollector) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	v, _ := m.histograms.LoadOrTryCompute(name, func() (vector[*prometheus.HistogramVec], bool) {
		keys := labelKeys(labels)
		vec := prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: name, Help: helpDuration, Buckets: m.buckets},
			keys,
		)
		registered, err := register(m.registerer, vec)
		return vector[*prometheus.HistogramVec]{vec: registered, keys: keys}, err != nil
	})
	if v.vec == nil {
		return
	}

	v.vec.WithLabelValues(labelValues(v.keys, labels)...).Observe(duration.Seconds())
}

// IncrementCounter adds one to the counter.
func (m *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	v, _ := m.counters.LoadOrTryCompute(name, func() (vector[*prometheus.CounterVec], bool) {
		keys := labelKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpCounter}, keys)
		registered, err := register(m.registerer, vec)
		return vector[*prometheus.CounterVec]{vec: registered, keys: keys}, err != nil
	})
	if v.vec == nil {
		return
	}

	v.vec.WithLabelValues(labelValues(v.keys, labels)...).Inc()
}

// RecordValue sets the gauge to value.
func (m *MetricsCollector) RecordValue(name string, value float64, labels map[string]string) {
	v, _ := m.gauges.LoadOrTryCompute(name, func() (vector[*prometheus.GaugeVec], bool) {
		keys := labelKeys(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpValue}, keys)
		registered, err := register(m.registerer, vec)
		return vector[*prometheus.GaugeVec]{vec: registered, keys: keys}, err != nil
	})
	if v.vec == nil {
		return
	}

	v.vec.WithLabelValues(labelValues(v.keys, labels)...).Set(value)
}

var _ pubsub.MetricsCollector = (*MetricsCollector)(nil)

// register registers c, or returns the collector already registered under the same descriptor.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}

	var zero C

	return zero, err
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

func labelValues(keys []string, labels map[string]string) []string {
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = labels[key]
	}

	return values
}
