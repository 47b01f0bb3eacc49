package postgresengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const (
	operationPublish   = "publish"
	operationFind      = "find"
	operationQuery     = "query"
	operationCount     = "count"
	operationRemoveAll = "remove_all"
	operationProvision = "provision"
	operationDrop      = "drop"
	operationTail      = "tail"

	spanNamePrefix       = "pubsub."
	spanAttrOperation    = "operation"
	spanAttrTopic        = "topic"
	spanAttrPartition    = "partition"
	spanAttrEvent        = "event"
	spanAttrRecordCount  = "record_count"
	spanAttrDurationMS   = "duration_ms"
	spanAttrErrorType    = "error_type"
	spanAttrConsistency  = "consistency"
	statusSuccess        = "success"
	statusError          = "error"
	labelStatus          = "status"
	labelCache           = "cache"
	errorTypeBuildQuery  = "build_query"
	errorTypeDBQuery     = "database_query"
	errorTypeDBExec      = "database_exec"
	errorTypeRowScan     = "row_scan"
	errorTypeDecode      = "decode"
	errorTypeEncode      = "encode"
	errorTypeRowsAffect  = "rows_affected"
	errorTypeEnsure      = "ensure_channel"
	errorTypeUnknownPart = "unknown_partition"

	metricOperationDuration = "pubsub_store_operation_duration_seconds"
	metricRecords           = "pubsub_store_records"
	metricDatabaseErrors    = "pubsub_store_errors_total"
	metricCacheLookups      = "pubsub_store_cache_lookups_total"
	metricTailRecords       = "pubsub_tail_batch_records"
	metricTailErrors        = "pubsub_tail_errors_total"
)

// logQueryWithDuration logs SQL statements with execution time at debug level if a logger is configured.
func (s *Store) logQueryWithDuration(
	ctx context.Context,
	sqlQuery string,
	action string,
	duration time.Duration,
) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, s.toMilliseconds(duration), logAttrQuery, sqlQuery)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action, logAttrDurationMS, s.toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if a logger is configured.
func (s *Store) logOperation(ctx context.Context, action string, args ...any) {
	if s.logger != nil {
		s.logger.Info(logMsgOperation+action, args...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	}
}

// logWarn logs non-critical issues at warn level if a logger is configured.
func (s *Store) logWarn(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if s.logger != nil {
		s.logger.Warn(message, allArgs...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.WarnContext(ctx, message, allArgs...)
	}
}

// logError logs error information at the error level if a logger is configured.
func (s *Store) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if s.logger != nil {
		s.logger.Error(message, allArgs...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func (s *Store) toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// recordDurationMetricsContext records duration metrics with context if the collector supports it.
func (s *Store) recordDurationMetricsContext(ctx context.Context, duration time.Duration, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := s.metricsCollector.(pubsub.ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metricOperationDuration, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(metricOperationDuration, duration, labels)
}

// recordValueMetricsContext records value metrics with context if the collector supports it.
func (s *Store) recordValueMetricsContext(ctx context.Context, metric string, value float64, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := s.metricsCollector.(pubsub.ContextualMetricsCollector); ok {
		contextualCollector.RecordValueContext(ctx, metric, value, labels)
		return
	}

	s.metricsCollector.RecordValue(metric, value, labels)
}

// incrementCounterContext increments a counter with context if the collector supports it.
func (s *Store) incrementCounterContext(ctx context.Context, metric string, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := s.metricsCollector.(pubsub.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metric, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metric, labels)
}

// startTraceSpan starts a tracing span if the tracing collector is configured.
func (s *Store) startTraceSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, pubsub.SpanContext) {
	if s.tracingCollector != nil {
		return s.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

// finishTraceSpan finishes a tracing span if the tracing collector is configured.
func (s *Store) finishTraceSpan(spanCtx pubsub.SpanContext, status string, attrs map[string]string) {
	if s.tracingCollector != nil && spanCtx != nil {
		s.tracingCollector.FinishSpan(spanCtx, status, attrs)
	}
}

// === Tracing Observer Pattern ===
// The observers keep span lifecycle handling out of the store operations.

// tracingObserver encapsulates tracing span lifecycle management for one store operation.
type tracingObserver struct {
	s    *Store
	span pubsub.SpanContext
}

// startTracing creates a new tracing observer for operation on topic.
func (s *Store) startTracing(
	ctx context.Context,
	operation string,
	topic string,
	attrs map[string]string,
) (*tracingObserver, context.Context) {
	spanAttrs := map[string]string{
		spanAttrOperation:   operation,
		spanAttrTopic:       topic,
		spanAttrConsistency: pubsub.GetConsistencyLevel(ctx).String(),
	}

	for key, value := range attrs {
		spanAttrs[key] = value
	}

	newCtx, span := s.startTraceSpan(ctx, spanNamePrefix+operation, spanAttrs)

	return &tracingObserver{s: s, span: span}, newCtx
}

// finishSuccess completes the span of a successful operation.
func (to *tracingObserver) finishSuccess(recordCount int, duration time.Duration) {
	if to.span == nil {
		return
	}

	attrs := map[string]string{
		spanAttrRecordCount: fmt.Sprintf("%d", recordCount),
		spanAttrDurationMS:  to.formatDuration(duration),
	}

	to.span.SetStatus(statusSuccess)
	for key, value := range attrs {
		to.span.AddAttribute(key, value)
	}

	to.s.finishTraceSpan(to.span, statusSuccess, attrs)
}

// finishError completes the span of a failed operation with error details.
func (to *tracingObserver) finishError(errorType string, duration time.Duration) {
	if to.span == nil {
		return
	}

	attrs := map[string]string{spanAttrErrorType: errorType}
	if duration > 0 {
		attrs[spanAttrDurationMS] = to.formatDuration(duration)
	}

	to.span.SetStatus(statusError)
	for key, value := range attrs {
		to.span.AddAttribute(key, value)
	}

	to.s.finishTraceSpan(to.span, statusError, attrs)
}

// formatDuration formats duration for span attributes using the Store's helper.
func (to *tracingObserver) formatDuration(duration time.Duration) string {
	return fmt.Sprintf("%.2f", to.s.toMilliseconds(duration))
}

// === Metrics Observer Pattern ===
// The observers keep metrics recording out of the store operations.

// metricsObserver encapsulates the metrics collection for one store operation.
type metricsObserver struct {
	s         *Store
	ctx       context.Context
	operation string
	topic     string
}

// startMetrics creates a new metrics observer for operation on topic.
func (s *Store) startMetrics(ctx context.Context, operation, topic string) *metricsObserver {
	return &metricsObserver{
		s:         s,
		ctx:       ctx,
		operation: operation,
		topic:     topic,
	}
}

func (mo *metricsObserver) labels(status string) map[string]string {
	return map[string]string{
		spanAttrOperation: mo.operation,
		spanAttrTopic:     mo.topic,
		labelStatus:       status,
	}
}

// recordSuccess records all metrics for a successful operation.
func (mo *metricsObserver) recordSuccess(recordCount int, duration time.Duration) {
	mo.s.recordDurationMetricsContext(mo.ctx, duration, mo.labels(statusSuccess))
	mo.s.recordValueMetricsContext(mo.ctx, metricRecords, float64(recordCount), mo.labels(statusSuccess))
}

// recordError records all metrics for a failed operation.
func (mo *metricsObserver) recordError(errorType string, duration time.Duration) {
	mo.s.recordDurationMetricsContext(mo.ctx, duration, mo.labels(statusError))

	labels := mo.labels(statusError)
	labels[spanAttrErrorType] = errorType
	mo.s.incrementCounterContext(mo.ctx, metricDatabaseErrors, labels)
}

// recordCacheLookup counts point lookups served from or missing in the record cache.
func (mo *metricsObserver) recordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	mo.s.incrementCounterContext(mo.ctx, metricCacheLookups, map[string]string{
		spanAttrTopic: mo.topic,
		labelCache:    result,
	})
}

// operationObserver bundles the tracing and metrics observers of one operation.
type operationObserver struct {
	tracing *tracingObserver
	metrics *metricsObserver
}

// observe starts tracing and metrics for operation and returns the context to run it with.
func (s *Store) observe(
	ctx context.Context,
	operation string,
	topic string,
	attrs map[string]string,
) (*operationObserver, context.Context) {
	tracing, newCtx := s.startTracing(ctx, operation, topic, attrs)

	return &operationObserver{
		tracing: tracing,
		metrics: s.startMetrics(newCtx, operation, topic),
	}, newCtx
}

func (oo *operationObserver) success(recordCount int, duration time.Duration) {
	oo.tracing.finishSuccess(recordCount, duration)
	oo.metrics.recordSuccess(recordCount, duration)
}

func (oo *operationObserver) failure(errorType string, duration time.Duration) {
	oo.tracing.finishError(errorType, duration)
	oo.metrics.recordError(errorType, duration)
}
