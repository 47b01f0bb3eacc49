package promadapters_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/promadapters"
)

func Test_MetricsCollector_IncrementCounter_CountsPerLabelSet(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry)

	// act
	collector.IncrementCounter("pubsub_store_cache_lookups_total", map[string]string{"operation": "find", "cache": "hit"})
	collector.IncrementCounter("pubsub_store_cache_lookups_total", map[string]string{"operation": "find", "cache": "hit"})
	collector.IncrementCounter("pubsub_store_cache_lookups_total", map[string]string{"operation": "find", "cache": "miss"})

	// assert
	expected := `
# HELP pubsub_store_cache_lookups_total Number of pubsub events
# TYPE pubsub_store_cache_lookups_total counter
pubsub_store_cache_lookups_total{cache="hit",operation="find"} 2
pubsub_store_cache_lookups_total{cache="miss",operation="find"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pubsub_store_cache_lookups_total"))
}

func Test_MetricsCollector_RecordValue_SetsGauge(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry)

	// act
	collector.RecordValue("pubsub_store_records", 3, map[string]string{"operation": "query"})
	collector.RecordValue("pubsub_store_records", 7, map[string]string{"operation": "query"})

	// assert
	expected := `
# HELP pubsub_store_records Last observed pubsub value
# TYPE pubsub_store_records gauge
pubsub_store_records{operation="query"} 7
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pubsub_store_records"))
}

func Test_MetricsCollector_RecordDuration_ObservesSeconds(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry, promadapters.WithBuckets([]float64{0.5, 2}))

	// act
	collector.RecordDuration("pubsub_store_operation_duration_seconds", 1500*time.Millisecond, map[string]string{"operation": "publish"})

	// assert
	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)

	histogram := families[0].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), histogram.GetSampleCount())
	assert.InDelta(t, 1.5, histogram.GetSampleSum(), 0.0001)
	require.Len(t, histogram.GetBucket(), 2)
	assert.Equal(t, uint64(0), histogram.GetBucket()[0].GetCumulativeCount())
	assert.Equal(t, uint64(1), histogram.GetBucket()[1].GetCumulativeCount())
}

func Test_MetricsCollector_When_LabelsDifferFromFirstUse_MapsOntoFirstKeys(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry)

	// act
	collector.IncrementCounter("pubsub_store_errors_total", map[string]string{"operation": "query", "error_type": "query_failed"})
	collector.IncrementCounter("pubsub_store_errors_total", map[string]string{"operation": "count", "status": "error"})

	// assert
	expected := `
# HELP pubsub_store_errors_total Number of pubsub events
# TYPE pubsub_store_errors_total counter
pubsub_store_errors_total{error_type="",operation="count"} 1
pubsub_store_errors_total{error_type="query_failed",operation="query"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pubsub_store_errors_total"))
}

func Test_MetricsCollector_When_TwoCollectorsShareRegistry_ReusesRegisteredVector(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	first := promadapters.NewMetricsCollector(registry)
	second := promadapters.NewMetricsCollector(registry)

	// act
	first.IncrementCounter("pubsub_tail_errors_total", map[string]string{"partition": "orders"})
	second.IncrementCounter("pubsub_tail_errors_total", map[string]string{"partition": "orders"})

	// assert
	count, err := testutil.GatherAndCount(registry, "pubsub_tail_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP pubsub_tail_errors_total Number of pubsub events
# TYPE pubsub_tail_errors_total counter
pubsub_tail_errors_total{partition="orders"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pubsub_tail_errors_total"))
}

func Test_MetricsCollector_When_NameIsEmpty_DropsMeasurement(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry)

	// act & assert
	assert.NotPanics(t, func() {
		collector.IncrementCounter("", nil)
	})

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func Test_MetricsCollector_CountsRegistryChannelOpens(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(registry)
	open := func(context.Context, string) (pubsub.Tail, error) { return nopTail{}, nil }
	channels := pubsub.NewRegistry(nil, open, pubsub.WithRegistryMetrics(collector))

	// act
	_, err := channels.Ensure(context.Background(), "orders")

	// assert
	require.NoError(t, err)

	expected := `
# HELP pubsub_channels_opened_total Number of pubsub events
# TYPE pubsub_channels_opened_total counter
pubsub_channels_opened_total{status="success",topic="orders"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "pubsub_channels_opened_total"))
}

type nopTail struct{}

func (nopTail) Start(context.Context, func(pubsub.Record)) error { return nil }
func (nopTail) Close() error                                     { return nil }
