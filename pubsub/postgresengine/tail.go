package postgresengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const (
	tailBatchSize          = 500
	tailListenerPingPeriod = 90 * time.Second
	tailMinReconnect       = 10 * time.Millisecond
	tailMaxReconnect       = time.Minute

	logMsgTailAttached     = "tail attached"
	logMsgTailStopped      = "tail stopped"
	logMsgTailWaitFailed   = "tail wait failed, reattaching"
	logMsgTailReadFailed   = "tail read failed, retrying"
	logMsgTailListenerLost = "tail listener connection event"
	logMsgTailCloseFailed  = "failed to close tail connection"
	logAttrTailMode        = "mode"
	logAttrSnapshot        = "snapshot"

	sqlCurrentSnapshot = "pg_current_snapshot()::text"
	sqlSnapshotXmin    = "pg_snapshot_xmin(pg_current_snapshot())::text"
	sqlTxidText        = `"_txid"::text`
	sqlSettled         = `"_txid" < pg_snapshot_xmin(pg_current_snapshot())`
	sqlAfterCursor     = `("_txid", "seq") > (?::xid8, ?)`
	sqlNotInSnapshot   = `NOT pg_visible_in_snapshot("_txid", ?::pg_snapshot)`

	tailModeListen = "listen"
	tailModePQ     = "pq_listener"
	tailModePoll   = "poll"
)

// waker blocks the tail until new records may be available in a partition.
type waker interface {
	mode() string

	// attach subscribes to wake-ups. Records inserted after attach returns cause a wake-up.
	attach(ctx context.Context) error

	// wait returns when the partition may have new records. A non-nil error that is not caused by
	// ctx means the subscription was lost; the next wait reattaches.
	wait(ctx context.Context) error

	detach()
}

// newTail returns the feed of a partition, picking LISTEN/NOTIFY when a connection for it is available.
func (s *Store) newTail(partition string) pubsub.Tail {
	var w waker

	switch {
	case s.pool != nil:
		w = &listenWaker{s: s, pool: s.pool, channel: notifyChannel(partition)}
	case s.listenerDSN != "":
		w = &pqWaker{s: s, dsn: s.listenerDSN, channel: notifyChannel(partition)}
	default:
		w = &pollWaker{interval: s.pollInterval}
	}

	return &partitionTail{s: s, partition: partition, waker: w}
}

// partitionTail delivers the records of one partition that were not visible when it attached.
//
// Sequence numbers are taken at insert time but become visible at commit, so concurrent writers commit
// out of order. The cursor therefore follows the inserting transaction id first and the sequence second,
// and only records whose preceding transactions have all finished are delivered.
type partitionTail struct {
	s         *Store
	partition string
	waker     waker

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	cursor   tailCursor
	snapshot string
	started  bool
	closed   bool
}

// tailCursor is the inserting transaction and sequence number of the last delivered record.
type tailCursor struct {
	txid uint64
	seq  int64
}

// tailRecord is a record read by a tail. settled is false while a transaction that may precede it runs.
type tailRecord struct {
	record  pubsub.Record
	txid    uint64
	settled bool
}

func (t *partitionTail) Start(ctx context.Context, deliver func(pubsub.Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pubsub.ErrRegistryClosed
	}

	if t.started {
		return nil
	}

	if err := t.waker.attach(ctx); err != nil {
		return err
	}

	snapshot, horizon, err := t.s.currentSnapshot(ctx)
	if err != nil {
		t.waker.detach()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.cursor = tailCursor{txid: horizon}
	t.snapshot = snapshot
	t.started = true

	t.s.logOperation(ctx, logMsgTailAttached,
		logAttrPartition, t.partition,
		logAttrTailMode, t.waker.mode(),
		logAttrSnapshot, snapshot)

	go t.run(loopCtx, deliver)

	return nil
}

func (t *partitionTail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	if !started {
		return nil
	}

	t.cancel()
	<-t.done

	return nil
}

func (t *partitionTail) run(ctx context.Context, deliver func(pubsub.Record)) {
	defer close(t.done)
	defer t.waker.detach()

	for {
		if err := t.waker.wait(ctx); err != nil {
			if ctx.Err() != nil {
				t.s.logOperation(context.Background(), logMsgTailStopped, logAttrPartition, t.partition)
				return
			}

			t.s.logWarn(ctx, logMsgTailWaitFailed, err, logAttrPartition, t.partition)
			t.countError(ctx)

			if !sleepContext(ctx, t.s.pollInterval) {
				return
			}
		}

		// A failed wait still drains: records may have arrived while the subscription was lost.
		for !t.drain(ctx, deliver) {
			if !sleepContext(ctx, t.s.pollInterval) {
				return
			}
		}
	}
}

// drain delivers the settled records after the cursor. It reports true when everything committed so far
// was delivered or ctx ended, and false when the read failed or records wait for a running transaction.
func (t *partitionTail) drain(ctx context.Context, deliver func(pubsub.Record)) bool {
	for {
		rows, err := t.s.readAfter(ctx, t.partition, t.cursor, t.snapshot, tailBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				t.s.logWarn(ctx, logMsgTailReadFailed, err, logAttrPartition, t.partition)
				t.countError(ctx)
			}
			return ctx.Err() != nil
		}

		delivered := 0
		for _, row := range rows {
			if !row.settled {
				t.recordBatch(ctx, delivered)
				return false
			}

			t.cursor = tailCursor{txid: row.txid, seq: int64(row.record.Sequence)} //nolint:gosec
			deliver(row.record)
			delivered++
		}

		t.recordBatch(ctx, delivered)

		if len(rows) < tailBatchSize {
			return true
		}
	}
}

func (t *partitionTail) recordBatch(ctx context.Context, delivered int) {
	if delivered == 0 {
		return
	}

	t.s.recordValueMetricsContext(ctx, metricTailRecords, float64(delivered), map[string]string{
		spanAttrPartition: t.partition,
	})
}

func (t *partitionTail) countError(ctx context.Context) {
	t.s.incrementCounterContext(ctx, metricTailErrors, map[string]string{
		spanAttrPartition: t.partition,
		logAttrTailMode:   t.waker.mode(),
	})
}

// currentSnapshot returns the current transaction snapshot and its xmin, the oldest transaction id
// that may still be running.
func (s *Store) currentSnapshot(ctx context.Context) (string, uint64, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Select(goqu.L(sqlCurrentSnapshot), goqu.L(sqlSnapshotXmin)).
		ToSQL()
	if toSQLErr != nil {
		return "", 0, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	s.logQueryWithDuration(ctx, sqlQuery, operationTail, time.Since(start))

	if queryErr != nil {
		return "", 0, errors.Join(pubsub.ErrQueryingRecordsFailed, queryErr)
	}
	defer s.closeRows(ctx, rows)

	var snapshot, xmin string
	if rows.Next() {
		if err := rows.Scan(&snapshot, &xmin); err != nil {
			return "", 0, errors.Join(pubsub.ErrScanningDBRowFailed, err)
		}
	}

	if err := rows.Err(); err != nil {
		return "", 0, errors.Join(pubsub.ErrQueryingRecordsFailed, err)
	}

	horizon, err := strconv.ParseUint(xmin, 10, 64)
	if err != nil {
		return "", 0, errors.Join(pubsub.ErrScanningDBRowFailed, fmt.Errorf("snapshot xmin %q: %w", xmin, err))
	}

	return snapshot, horizon, nil
}

// readAfter returns up to limit live records of a partition that follow the cursor and were not visible
// in snapshot, ordered by inserting transaction and sequence number.
func (s *Store) readAfter(
	ctx context.Context,
	partition string,
	cursor tailCursor,
	snapshot string,
	limit uint,
) ([]tailRecord, error) {
	columns := append(append([]any{}, selectColumns...), goqu.L(sqlTxidText), goqu.L(sqlSettled))

	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		From(goqu.T(partition)).
		Select(columns...).
		Where(WithTombstoneExclusion(goqu.And(
			goqu.L(sqlAfterCursor, strconv.FormatUint(cursor.txid, 10), cursor.seq),
			goqu.L(sqlNotInSnapshot, snapshot),
		))).
		Order(goqu.C(colTxid).Asc(), goqu.C(colSeq).Asc()).
		Limit(limit).
		ToSQL()
	if toSQLErr != nil {
		return nil, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	s.logQueryWithDuration(ctx, sqlQuery, operationTail, time.Since(start))

	if queryErr != nil {
		return nil, errors.Join(pubsub.ErrQueryingRecordsFailed, queryErr)
	}
	defer s.closeRows(ctx, rows)

	result := make([]tailRecord, 0)
	for rows.Next() {
		var (
			row      recordRow
			txidText string
			settled  bool
		)

		if err := rows.Scan(&row.id, &row.seq, &row.event, &row.raw, &row.createdAt, &txidText, &settled); err != nil {
			return nil, errors.Join(pubsub.ErrScanningDBRowFailed, err)
		}

		txid, err := strconv.ParseUint(txidText, 10, 64)
		if err != nil {
			return nil, errors.Join(pubsub.ErrScanningDBRowFailed, fmt.Errorf("transaction id %q: %w", txidText, err))
		}

		record, _, err := s.decodeRecord(ctx, row)
		if err != nil {
			return nil, err
		}

		result = append(result, tailRecord{record: record, txid: txid, settled: settled})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Join(pubsub.ErrQueryingRecordsFailed, err)
	}

	return result, nil
}

// listenWaker uses LISTEN on a dedicated connection built from the pool's configuration, so a tail never
// holds one of the pool's connections.
type listenWaker struct {
	s       *Store
	pool    *pgxpool.Pool
	channel string
	conn    *pgx.Conn
}

func (w *listenWaker) mode() string { return tailModeListen }

func (w *listenWaker) attach(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, w.pool.Config().ConnConfig)
	if err != nil {
		return err
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{w.channel}.Sanitize()); err != nil {
		w.closeConn(conn)
		return err
	}

	w.conn = conn

	return nil
}

func (w *listenWaker) wait(ctx context.Context) error {
	if w.conn == nil {
		return w.attach(ctx)
	}

	if _, err := w.conn.WaitForNotification(ctx); err != nil {
		w.detach()
		return err
	}

	return nil
}

func (w *listenWaker) detach() {
	if w.conn == nil {
		return
	}

	w.closeConn(w.conn)
	w.conn = nil
}

func (w *listenWaker) closeConn(conn *pgx.Conn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := conn.Close(closeCtx); err != nil {
		w.s.logWarn(closeCtx, logMsgTailCloseFailed, err, logAttrTailMode, tailModeListen)
	}
}

// pqWaker uses a lib/pq Listener on its own connection, which reconnects by itself.
type pqWaker struct {
	s        *Store
	dsn      string
	channel  string
	listener *pq.Listener
}

func (w *pqWaker) mode() string { return tailModePQ }

func (w *pqWaker) attach(ctx context.Context) error {
	connected := make(chan struct{}, 1)

	listener := pq.NewListener(w.dsn, tailMinReconnect, tailMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			w.s.logWarn(context.Background(), logMsgTailListenerLost, err, logAttrTailMode, tailModePQ)
		}

		if event == pq.ListenerEventConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	// LISTEN must be active before the tail reads its starting sequence.
	select {
	case <-connected:
	case <-ctx.Done():
		_ = listener.Close()
		return ctx.Err()
	}

	if err := listener.Listen(w.channel); err != nil {
		_ = listener.Close()
		return err
	}

	w.listener = listener

	return nil
}

func (w *pqWaker) wait(ctx context.Context) error {
	if w.listener == nil {
		return w.attach(ctx)
	}

	timer := time.NewTimer(tailListenerPingPeriod)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.listener.Notify:
		// A nil notification signals a reconnect; draining covers whatever was missed.
		return nil
	case <-timer.C:
		return w.listener.Ping()
	}
}

func (w *pqWaker) detach() {
	if w.listener == nil {
		return
	}

	if err := w.listener.Close(); err != nil {
		w.s.logWarn(context.Background(), logMsgTailCloseFailed, err, logAttrTailMode, tailModePQ)
	}

	w.listener = nil
}

// pollWaker wakes up on a fixed interval.
type pollWaker struct {
	interval time.Duration
}

func (w *pollWaker) mode() string { return tailModePoll }

func (w *pollWaker) attach(_ context.Context) error { return nil }

func (w *pollWaker) wait(ctx context.Context) error {
	if !sleepContext(ctx, w.interval) {
		return ctx.Err()
	}

	return nil
}

func (w *pollWaker) detach() {}

// sleepContext sleeps for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
