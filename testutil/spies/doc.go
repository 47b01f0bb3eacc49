// Package spies provides test doubles for the observability interfaces of the pubsub packages.
//
// MetricsCollectorSpy, TracingCollectorSpy and LogHandlerSpy capture every call so tests can assert
// on what a store or registry reported, using fluent matchers such as
//
//	spy.HasCounterRecordForMetric("pubsub_store_errors_total").WithStatus("error").Assert()
package spies
