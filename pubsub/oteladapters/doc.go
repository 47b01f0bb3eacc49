// Package oteladapters implements the observability interfaces of the pubsub packages on OpenTelemetry.
//
// TracingCollector opens one span per store operation, MetricsCollector maps durations, counters and
// values onto histograms, counters and gauges, and SlogBridgeLogger or OTelLogger forward the store's
// contextual log messages with trace correlation.
package oteladapters
