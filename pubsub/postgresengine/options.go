package postgresengine

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

var (
	// ErrInvalidPollInterval is returned by WithPollInterval for a non-positive interval.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrInvalidCacheSize is returned by WithRecordCache for a negative size.
	ErrInvalidCacheSize = errors.New("record cache size must not be negative")
)

// Option defines a functional option for configuring Store.
type Option func(*Store) error

// WithTopicSettings sets the per-topic configuration: partition overrides and identifier field names.
func WithTopicSettings(settings pubsub.TopicSettings) Option {
	return func(s *Store) error {
		s.topics = settings
		return nil
	}
}

// WithLogger sets the logger for the Store.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL statements with execution timing (development use)
// Info level: record counts, durations, channel lifecycle (production-safe)
// Warn level: non-critical issues like cleanup failures or tail reconnects
// Error level: critical failures that cause operation failures.
func WithLogger(logger pubsub.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the Store.
// The contextual logger receives the same messages as the Logger with the operation's context,
// which enables trace correlation when tracing is configured.
func WithContextualLogger(logger pubsub.ContextualLogger) Option {
	return func(s *Store) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store.
// The collector receives operation durations, record counts, errors and fan-out notification counters.
func WithMetrics(collector pubsub.MetricsCollector) Option {
	return func(s *Store) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Store.
// The tracing collector receives one span per store operation.
func WithTracing(collector pubsub.TracingCollector) Option {
	return func(s *Store) error {
		s.tracingCollector = collector
		return nil
	}
}

// WithRecordCache enables an LRU cache of the given size for point lookups. The cache is off by default.
//
// Records never change, so cached entries only leave the cache by eviction or by a RemoveAll or
// DropPartition of this Store. Removals made through another Store, another process or by flagging rows
// as deleted are not seen: enable the cache only when this Store is the single writer of its topics.
func WithRecordCache(size int) Option {
	return func(s *Store) error {
		if size < 0 {
			return ErrInvalidCacheSize
		}

		s.cacheSize = size

		return nil
	}
}

// WithPollInterval sets the interval of the polling tail, used when no LISTEN connection is available.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Store) error {
		if interval <= 0 {
			return ErrInvalidPollInterval
		}

		s.pollInterval = interval

		return nil
	}
}

// WithListenerDSN enables LISTEN/NOTIFY tails through lib/pq for stores built on sql.DB or sqlx.DB.
func WithListenerDSN(dsn string) Option {
	return func(s *Store) error {
		s.listenerDSN = dsn
		return nil
	}
}

// WithAutoProvision controls whether Ensure creates missing partitions. It is enabled by default;
// when disabled, ensuring a topic whose partition does not exist fails with ErrPartitionNotFound.
func WithAutoProvision(enabled bool) Option {
	return func(s *Store) error {
		s.autoProvision = enabled
		return nil
	}
}

// WithReplica routes reads that carry pubsub.WithEventualConsistency to the replica pool.
// It only applies to stores built from a pgxpool.Pool and must be passed after the primary is set.
func WithReplica(replica *pgxpool.Pool) Option {
	return func(s *Store) error {
		if replica == nil {
			return pubsub.ErrNilDatabaseConnection
		}

		if s.pool == nil {
			return ErrReplicaRequiresPGX
		}

		s.replica = replica

		return nil
	}
}

// ErrReplicaRequiresPGX is returned by WithReplica for stores that are not built on pgxpool.
var ErrReplicaRequiresPGX = errors.New("replica routing requires a pgxpool primary")
