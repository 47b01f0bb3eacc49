package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/postgresengine/internal/adapters"
)

const (
	dialectPostgres     = "postgres"
	defaultPollInterval = 250 * time.Millisecond
	castJsonb           = "?::jsonb"
	cacheKeySeparator   = "/"

	logMsgBuildQueryFailed    = "failed to build query"
	logMsgDBQueryFailed       = "database query execution failed"
	logMsgDBExecFailed        = "database execution failed"
	logMsgCloseRowsFailed     = "failed to close database rows"
	logMsgScanRowFailed       = "failed to scan database row"
	logMsgDecodeMessageFailed = "failed to decode record message"
	logMsgEncodeMessageFailed = "failed to encode record message"
	logMsgRowsAffectedFailed  = "failed to get rows affected count"
	logMsgEnsureFailed        = "failed to ensure channel"
	logMsgRecordPublished     = "record published"
	logMsgRecordFound         = "record lookup completed"
	logMsgQueryCompleted      = "query completed"
	logMsgCountCompleted      = "count completed"
	logMsgRecordsRemoved      = "records removed"
	logMsgSQLExecuted         = "executed sql for: "
	logMsgOperation           = "pubsub operation: "
	logAttrError              = "error"
	logAttrQuery              = "query"
	logAttrTopic              = "topic"
	logAttrPartition          = "partition"
	logAttrEvent              = "event"
	logAttrID                 = "id"
	logAttrRecordCount        = "record_count"
	logAttrDurationMS         = "duration_ms"
	logAttrCacheHit           = "cache_hit"
)

var selectColumns = []any{colID, colSeq, colEvent, colMessage, colCreatedAt}

// Store is an append-only, topic-partitioned record store on PostgreSQL.
//
// Each topic maps onto one table (its partition). Records carry a store-assigned ObjectID, an event
// discriminator and a JSONB message; they are never updated. Newly inserted records are fanned out to
// the listeners subscribed to the topic.
type Store struct {
	db       adapters.DBAdapter
	pool     *pgxpool.Pool
	replica  *pgxpool.Pool
	sqlDB    *sql.DB
	registry *pubsub.Registry
	cache    *lru.Cache[string, pubsub.Record]
	closers  []func()

	topics           pubsub.TopicSettings
	logger           pubsub.Logger
	contextualLogger pubsub.ContextualLogger
	metricsCollector pubsub.MetricsCollector
	tracingCollector pubsub.TracingCollector
	cacheSize        int
	pollInterval     time.Duration
	listenerDSN      string
	autoProvision    bool
}

// NewStoreFromPGXPool creates a new Store using a pgx Pool with optional configuration.
// Live notification uses LISTEN on a connection acquired from the pool.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*Store, error) {
	if db == nil {
		return nil, pubsub.ErrNilDatabaseConnection
	}

	return newStore(&Store{pool: db}, options)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB with optional configuration.
// Live notification polls unless WithListenerDSN is given.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, pubsub.ErrNilDatabaseConnection
	}

	return newStore(&Store{db: adapters.NewSQLAdapter(db), sqlDB: db}, options)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional configuration.
// Live notification polls unless WithListenerDSN is given.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, pubsub.ErrNilDatabaseConnection
	}

	return newStore(&Store{db: adapters.NewSQLXAdapter(db), sqlDB: db.DB}, options)
}

func newStore(s *Store, options []Option) (*Store, error) {
	s.pollInterval = defaultPollInterval
	s.autoProvision = true

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	if s.pool != nil {
		if s.replica != nil {
			s.db = adapters.NewPGXAdapterWithReplica(s.pool, s.replica)
		} else {
			s.db = adapters.NewPGXAdapter(s.pool)
		}
	}

	if s.cacheSize > 0 {
		cache, err := lru.New[string, pubsub.Record](s.cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	s.registry = pubsub.NewRegistry(
		s.topics,
		s.openPartition,
		pubsub.WithRegistryLogger(s.logger),
		pubsub.WithRegistryMetrics(s.metricsCollector),
	)

	return s, nil
}

// Ensure returns the channel of topic, provisioning its partition and attaching the tail on first use.
func (s *Store) Ensure(ctx context.Context, topic string) (*pubsub.Channel, error) {
	return s.registry.Ensure(ctx, topic)
}

// ResolvePartitionName returns the partition configured for topic, else the topic name.
func (s *Store) ResolvePartitionName(topic string) string {
	return s.registry.ResolvePartitionName(topic)
}

// Subscribe binds a listener to topic. The returned function unbinds it.
func (s *Store) Subscribe(ctx context.Context, topic string, listener pubsub.Listener) (func(), error) {
	return s.registry.Subscribe(ctx, topic, listener)
}

// Topics returns the topics materialized by this store.
func (s *Store) Topics() []string {
	return s.registry.Topics()
}

// Translate turns a where-clause into the predicate applied to the partition of topic,
// tombstone exclusion included.
func (s *Store) Translate(topic string, where pubsub.Where) (exp.Expression, error) {
	node, err := pubsub.ParseWhere(where, s.registry.IDFieldName(topic))
	if err != nil {
		return nil, err
	}

	expr, err := Translate(node)
	if err != nil {
		return nil, err
	}

	return WithTombstoneExclusion(expr), nil
}

// Publish appends a record tagged with event to topic and returns its identifier.
// The topic is materialized on first use.
func (s *Store) Publish(ctx context.Context, topic, event string, message pubsub.Message) (primitive.ObjectID, error) {
	if topic == "" {
		return primitive.NilObjectID, pubsub.ErrEmptyTopicName
	}

	if err := pubsub.ValidateRecordInput(event, message); err != nil {
		return primitive.NilObjectID, err
	}

	raw, err := encodeMessage(message)
	if err != nil {
		s.logError(ctx, logMsgEncodeMessageFailed, err, logAttrTopic, topic, logAttrEvent, event)
		return primitive.NilObjectID, errors.Join(pubsub.ErrPublishingRecordFailed, err)
	}

	channel, err := s.registry.Ensure(ctx, topic)
	if err != nil {
		s.logError(ctx, logMsgEnsureFailed, err, logAttrTopic, topic)
		return primitive.NilObjectID, err
	}

	observer, ctx := s.observe(ctx, operationPublish, topic, map[string]string{spanAttrEvent: event})

	id := primitive.NewObjectID()

	sqlQuery, err := s.buildInsertQuery(channel.Partition(), id, event, raw)
	if err != nil {
		s.logError(ctx, logMsgBuildQueryFailed, err, logAttrTopic, topic)
		observer.failure(errorTypeBuildQuery, 0)
		return primitive.NilObjectID, err
	}

	start := time.Now()
	result, execErr := s.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, sqlQuery, operationPublish, duration)

	if execErr != nil {
		s.logError(ctx, logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		observer.failure(errorTypeDBExec, duration)
		return primitive.NilObjectID, errors.Join(pubsub.ErrPublishingRecordFailed, execErr)
	}

	if _, err := result.RowsAffected(); err != nil {
		s.logWarn(ctx, logMsgRowsAffectedFailed, err, logAttrTopic, topic)
	}

	s.logOperation(ctx, logMsgRecordPublished,
		logAttrTopic, topic,
		logAttrEvent, event,
		logAttrID, id.Hex(),
		logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(1, duration)

	return id, nil
}

// Create appends a record from {event, ...fields} input and returns its identifier.
// A lone object-valued "message" field is taken as the message.
func (s *Store) Create(ctx context.Context, topic string, data map[string]any) (primitive.ObjectID, error) {
	event, message, err := pubsub.SplitCreateInput(data)
	if err != nil {
		return primitive.NilObjectID, err
	}

	return s.Publish(ctx, topic, event, message)
}

// Find returns the record with the given identifier, or nil if there is none.
// Hex strings are converted to ObjectIDs first; other identifiers are looked up as opaque keys.
func (s *Store) Find(ctx context.Context, topic string, id any) (*pubsub.Record, error) {
	channel, err := s.requireChannel(topic)
	if err != nil {
		return nil, err
	}

	idString := pubsub.IDString(pubsub.NormalizeID(id))
	observer, ctx := s.observe(ctx, operationFind, topic, nil)

	if record, ok := s.cachedRecord(channel.Partition(), idString); ok {
		observer.metrics.recordCacheLookup(true)
		observer.success(1, 0)
		s.logOperation(ctx, logMsgRecordFound, logAttrTopic, topic, logAttrID, idString, logAttrCacheHit, true)
		return &record, nil
	}

	if s.cache != nil {
		observer.metrics.recordCacheLookup(false)
	}

	stmt := goqu.Dialect(dialectPostgres).
		From(goqu.T(channel.Partition())).
		Select(selectColumns...).
		Where(WithTombstoneExclusion(goqu.C(colID).Eq(idString))).
		Limit(1)

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		s.logError(ctx, logMsgBuildQueryFailed, toSQLErr, logAttrTopic, topic)
		observer.failure(errorTypeBuildQuery, 0)
		return nil, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	records, duration, err := s.queryRecords(ctx, operationFind, sqlQuery, observer)
	if err != nil {
		return nil, err
	}

	s.logOperation(ctx, logMsgRecordFound,
		logAttrTopic, topic,
		logAttrID, idString,
		logAttrCacheHit, false,
		logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(len(records), duration)

	if len(records) == 0 {
		return nil, nil
	}

	s.cacheRecords(channel.Partition(), records)

	return &records[0], nil
}

// Query lists the records of topic matching q.Where, sorted by q.Order (newest first by default),
// with optional limit and skip.
func (s *Store) Query(ctx context.Context, topic string, q pubsub.Query) (pubsub.Records, error) {
	channel, err := s.requireChannel(topic)
	if err != nil {
		return nil, err
	}

	where, err := s.Translate(topic, q.Where)
	if err != nil {
		return nil, err
	}

	observer, ctx := s.observe(ctx, operationQuery, topic, nil)

	sqlQuery, err := s.buildSelectQuery(channel.Partition(), where, q)
	if err != nil {
		s.logError(ctx, logMsgBuildQueryFailed, err, logAttrTopic, topic)
		observer.failure(errorTypeBuildQuery, 0)
		return nil, err
	}

	records, duration, err := s.queryRecords(ctx, operationQuery, sqlQuery, observer)
	if err != nil {
		return nil, err
	}

	s.cacheRecords(channel.Partition(), records)

	s.logOperation(ctx, logMsgQueryCompleted,
		logAttrTopic, topic,
		logAttrRecordCount, len(records),
		logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(len(records), duration)

	return records, nil
}

// Count returns the number of records of topic matching where.
func (s *Store) Count(ctx context.Context, topic string, where pubsub.Where) (int64, error) {
	channel, err := s.requireChannel(topic)
	if err != nil {
		return 0, err
	}

	predicate, err := s.Translate(topic, where)
	if err != nil {
		return 0, err
	}

	observer, ctx := s.observe(ctx, operationCount, topic, nil)

	stmt := goqu.Dialect(dialectPostgres).
		From(goqu.T(channel.Partition())).
		Select(goqu.COUNT(goqu.Star())).
		Where(predicate)

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		s.logError(ctx, logMsgBuildQueryFailed, toSQLErr, logAttrTopic, topic)
		observer.failure(errorTypeBuildQuery, 0)
		return 0, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, sqlQuery, operationCount, duration)

	if queryErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		observer.failure(errorTypeDBQuery, duration)
		return 0, errors.Join(pubsub.ErrQueryingRecordsFailed, queryErr)
	}
	defer s.closeRows(ctx, rows)

	var count int64
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			s.logError(ctx, logMsgScanRowFailed, scanErr)
			observer.failure(errorTypeRowScan, duration)
			return 0, errors.Join(pubsub.ErrScanningDBRowFailed, scanErr)
		}
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, rowsErr, logAttrQuery, sqlQuery)
		observer.failure(errorTypeDBQuery, duration)
		return 0, errors.Join(pubsub.ErrQueryingRecordsFailed, rowsErr)
	}

	s.logOperation(ctx, logMsgCountCompleted,
		logAttrTopic, topic,
		logAttrRecordCount, count,
		logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(int(count), duration)

	return count, nil
}

// RemoveAll deletes every record of topic matching where. It is an administrative reset,
// individual records cannot be removed.
func (s *Store) RemoveAll(ctx context.Context, topic string, where pubsub.Where) (pubsub.RemoveResult, error) {
	channel, err := s.requireChannel(topic)
	if err != nil {
		return pubsub.RemoveResult{}, err
	}

	predicate, err := s.Translate(topic, where)
	if err != nil {
		return pubsub.RemoveResult{}, err
	}

	observer, ctx := s.observe(ctx, operationRemoveAll, topic, nil)

	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Delete(goqu.T(channel.Partition())).
		Where(predicate).
		ToSQL()
	if toSQLErr != nil {
		s.logError(ctx, logMsgBuildQueryFailed, toSQLErr, logAttrTopic, topic)
		observer.failure(errorTypeBuildQuery, 0)
		return pubsub.RemoveResult{}, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	result, execErr := s.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, sqlQuery, operationRemoveAll, duration)

	if execErr != nil {
		s.logError(ctx, logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		observer.failure(errorTypeDBExec, duration)
		return pubsub.RemoveResult{}, errors.Join(pubsub.ErrRemovingRecordsFailed, execErr)
	}

	s.evictPartition(channel.Partition())

	removed, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		s.logError(ctx, logMsgRowsAffectedFailed, rowsAffectedErr)
		observer.failure(errorTypeRowsAffect, duration)
		return pubsub.RemoveResult{}, errors.Join(pubsub.ErrRemovingRecordsFailed, rowsAffectedErr)
	}

	s.logOperation(ctx, logMsgRecordsRemoved,
		logAttrTopic, topic,
		logAttrRecordCount, removed,
		logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(int(removed), duration)

	return pubsub.RemoveResult{Count: removed}, nil
}

// Update always fails: records are immutable.
func (s *Store) Update(_ context.Context, _ string, _ pubsub.Where, _ map[string]any) (int64, error) {
	return 0, pubsub.ErrImmutableRecord
}

// Replace always fails: records are immutable.
func (s *Store) Replace(_ context.Context, _ string, _ any, _ map[string]any) error {
	return pubsub.ErrImmutableRecord
}

// Remove always fails: records are immutable. Use RemoveAll for an administrative reset.
func (s *Store) Remove(_ context.Context, _ string, _ any) error {
	return pubsub.ErrImmutableRecord
}

// Close stops all tails and releases the connections the store opened itself.
// Connections passed into a constructor stay open.
func (s *Store) Close() error {
	err := s.registry.Close()

	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil

	return err
}

// requireChannel returns the materialized channel of topic or ErrUnknownTopic.
func (s *Store) requireChannel(topic string) (*pubsub.Channel, error) {
	if topic == "" {
		return nil, pubsub.ErrEmptyTopicName
	}

	channel, ok := s.registry.Lookup(topic)
	if !ok {
		return nil, errors.Join(pubsub.ErrUnknownTopic, fmt.Errorf("topic %q was never ensured", topic))
	}

	return channel, nil
}

func (s *Store) buildInsertQuery(partition string, id primitive.ObjectID, event, rawMessage string) (string, error) {
	stmt := goqu.Dialect(dialectPostgres).
		Insert(goqu.T(partition)).
		Rows(goqu.Record{
			colID:      id.Hex(),
			colEvent:   event,
			colMessage: goqu.L(castJsonb, rawMessage),
		})

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

func (s *Store) buildSelectQuery(partition string, where exp.Expression, q pubsub.Query) (string, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(goqu.T(partition)).
		Select(selectColumns...).
		Where(where).
		Order(OrderExpressions(q.EffectiveOrder())...)

	if q.Limit > 0 {
		stmt = stmt.Limit(uint(q.Limit))
	}

	if skip := q.EffectiveSkip(); skip > 0 {
		stmt = stmt.Offset(uint(skip))
	}

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

// queryRecords executes a select built from selectColumns and scans the result.
func (s *Store) queryRecords(
	ctx context.Context,
	action string,
	sqlQuery string,
	observer *operationObserver,
) (pubsub.Records, time.Duration, error) {
	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, sqlQuery, action, duration)

	if queryErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		if observer != nil {
			observer.failure(errorTypeDBQuery, duration)
		}
		return nil, duration, errors.Join(pubsub.ErrQueryingRecordsFailed, queryErr)
	}
	defer s.closeRows(ctx, rows)

	records, errorType, err := s.scanRecords(ctx, rows)
	if err != nil {
		if observer != nil {
			observer.failure(errorType, duration)
		}
		return nil, duration, err
	}

	return records, duration, nil
}

// recordRow holds the selectColumns of one scanned row.
type recordRow struct {
	id        string
	seq       int64
	event     string
	raw       []byte
	createdAt time.Time
}

func (s *Store) scanRecords(ctx context.Context, rows adapters.DBRows) (pubsub.Records, string, error) {
	records := make(pubsub.Records, 0)

	for rows.Next() {
		var row recordRow

		if scanErr := rows.Scan(&row.id, &row.seq, &row.event, &row.raw, &row.createdAt); scanErr != nil {
			s.logError(ctx, logMsgScanRowFailed, scanErr)
			return nil, errorTypeRowScan, errors.Join(pubsub.ErrScanningDBRowFailed, scanErr)
		}

		record, errorType, err := s.decodeRecord(ctx, row)
		if err != nil {
			return nil, errorType, err
		}

		records = append(records, record)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		s.logError(ctx, logMsgDBQueryFailed, rowsErr)
		return nil, errorTypeDBQuery, errors.Join(pubsub.ErrQueryingRecordsFailed, rowsErr)
	}

	return records, "", nil
}

func (s *Store) decodeRecord(ctx context.Context, row recordRow) (pubsub.Record, string, error) {
	message, decodeErr := decodeMessage(row.raw)
	if decodeErr != nil {
		s.logError(ctx, logMsgDecodeMessageFailed, decodeErr, logAttrID, row.id, logAttrEvent, row.event)
		return pubsub.Record{}, errorTypeDecode, errors.Join(pubsub.ErrDecodingMessageFailed, decodeErr)
	}

	return pubsub.Record{
		ID:        pubsub.NormalizeID(row.id),
		Event:     row.event,
		Message:   message,
		Sequence:  uint64(row.seq), //nolint:gosec
		CreatedAt: row.createdAt,
	}, "", nil
}

// closeRows safely closes database rows and logs any errors.
func (s *Store) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		s.logWarn(ctx, logMsgCloseRowsFailed, closeErr)
	}
}

func (s *Store) cachedRecord(partition, id string) (pubsub.Record, bool) {
	if s.cache == nil {
		return pubsub.Record{}, false
	}

	return s.cache.Get(partition + cacheKeySeparator + id)
}

func (s *Store) cacheRecords(partition string, records pubsub.Records) {
	if s.cache == nil {
		return
	}

	for _, record := range records {
		s.cache.Add(partition+cacheKeySeparator+pubsub.IDString(record.ID), record)
	}
}

func (s *Store) evictPartition(partition string) {
	if s.cache == nil {
		return
	}

	prefix := partition + cacheKeySeparator
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func encodeMessage(message pubsub.Message) (string, error) {
	raw, err := jsonAPI.Marshal(jsonValue(map[string]any(message)))
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func decodeMessage(raw []byte) (pubsub.Message, error) {
	message := make(pubsub.Message)
	if len(raw) == 0 {
		return message, nil
	}

	if err := jsonAPI.Unmarshal(raw, &message); err != nil {
		return nil, err
	}

	return message, nil
}
