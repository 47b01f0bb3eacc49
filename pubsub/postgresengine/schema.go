package postgresengine

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsTable     = "pubsub_schema_migrations"
	catalogTable        = "pubsub_partitions"
	catalogColName      = "name"
	notifyChannelPrefix = "pubsub_"
	maxIdentifierLength = 63

	logMsgMigrated           = "schema migrated"
	logMsgPartitionCreated   = "partition provisioned"
	logMsgPartitionDropped   = "partition dropped"
	logMsgMigrationDBRelease = "failed to release migration connection"
)

var (
	// ErrMigrationFailed is returned when the shared schema objects could not be installed.
	ErrMigrationFailed = errors.New("schema migration failed")

	// ErrPartitionNotFound is returned by Ensure when auto-provisioning is disabled and the partition is missing.
	ErrPartitionNotFound = errors.New("partition does not exist")
)

// partitionDDL creates a partition table, its indexes and its notify trigger. "_txid" records the
// inserting transaction so tails can wait for transactions that commit out of sequence order.
// Placeholders: 1 table, 2 message index, 3 trigger, 4 tail index.
const partitionDDL = `CREATE TABLE IF NOT EXISTS %[1]s (
    "_id"        TEXT PRIMARY KEY,
    "_txid"      XID8 NOT NULL DEFAULT pg_current_xact_id(),
    "seq"        BIGINT GENERATED ALWAYS AS IDENTITY UNIQUE,
    "event"      TEXT NOT NULL,
    "message"    JSONB NOT NULL,
    "_deleted"   BOOLEAN NOT NULL DEFAULT FALSE,
    "created_at" TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS "_txid" XID8 NOT NULL DEFAULT pg_current_xact_id();
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s USING GIN ("message" jsonb_path_ops);
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s ("_txid", "seq");
CREATE OR REPLACE TRIGGER %[3]s AFTER INSERT ON %[1]s FOR EACH ROW EXECUTE FUNCTION pubsub_notify_insert()`

// Migrate installs the schema objects shared by all partitions: the notify trigger function and the
// partition catalog. It is idempotent and must run once per database before partitions are provisioned.
// Open runs it automatically.
func (s *Store) Migrate(ctx context.Context) error {
	db, release, err := s.migrationDB()
	if err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	defer release()

	// The migration driver pins one connection; it goes back to the pool when Migrate returns.
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("acquire migration connection: %w", err))
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
			s.logWarn(ctx, logMsgMigrationDBRelease, closeErr)
		}
	}()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("create migration source: %w", err))
	}
	defer func() { _ = sourceDriver.Close() }()

	dbDriver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("create migration db driver: %w", err))
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("create migrator: %w", err))
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("apply migrations: %w", err))
	}

	s.logOperation(ctx, logMsgMigrated)

	return nil
}

// migrationDB returns a database/sql handle for golang-migrate. For pgx pools a temporary
// handle is opened on top of the pool and released afterward; a caller's sql.DB is never closed.
func (s *Store) migrationDB() (*sql.DB, func(), error) {
	if s.sqlDB != nil {
		return s.sqlDB, func() {}, nil
	}

	if s.pool == nil {
		return nil, nil, pubsub.ErrNilDatabaseConnection
	}

	db := stdlib.OpenDBFromPool(s.pool)

	return db, func() {
		if err := db.Close(); err != nil {
			s.logWarn(context.Background(), logMsgMigrationDBRelease, err)
		}
	}, nil
}

// ProvisionPartition creates the table of a partition with its index and notify trigger and registers
// it in the partition catalog. Provisioning an existing partition succeeds.
func (s *Store) ProvisionPartition(ctx context.Context, name string) error {
	if name == "" {
		return pubsub.ErrEmptyTopicName
	}

	observer, ctx := s.observe(ctx, operationProvision, name, map[string]string{spanAttrPartition: name})

	catalogInsert, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Insert(catalogTable).
		Rows(goqu.Record{catalogColName: name}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if toSQLErr != nil {
		observer.failure(errorTypeBuildQuery, 0)
		return errors.Join(pubsub.ErrProvisioningPartitionFailed, pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	statement := fmt.Sprintf(partitionDDL,
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{derivedIdentifier(name, "_message_idx")}.Sanitize(),
		pgx.Identifier{derivedIdentifier(name, "_notify")}.Sanitize(),
		pgx.Identifier{derivedIdentifier(name, "_tail_idx")}.Sanitize(),
	) + ";\n" + catalogInsert

	start := time.Now()
	_, execErr := s.db.Exec(ctx, statement)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, statement, operationProvision, duration)

	if execErr != nil {
		s.logError(ctx, logMsgDBExecFailed, execErr, logAttrPartition, name)
		observer.failure(errorTypeDBExec, duration)
		return errors.Join(pubsub.ErrProvisioningPartitionFailed, execErr)
	}

	s.logOperation(ctx, logMsgPartitionCreated, logAttrPartition, name, logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(0, duration)

	return nil
}

// DropPartition drops the table of a partition and removes it from the catalog.
// Dropping a partition that does not exist succeeds.
func (s *Store) DropPartition(ctx context.Context, name string) error {
	if name == "" {
		return pubsub.ErrEmptyTopicName
	}

	observer, ctx := s.observe(ctx, operationDrop, name, map[string]string{spanAttrPartition: name})

	catalogDelete, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Delete(catalogTable).
		Where(goqu.C(catalogColName).Eq(name)).
		ToSQL()
	if toSQLErr != nil {
		observer.failure(errorTypeBuildQuery, 0)
		return errors.Join(pubsub.ErrDroppingPartitionFailed, pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	statement := "DROP TABLE IF EXISTS " + pgx.Identifier{name}.Sanitize() + ";\n" + catalogDelete

	start := time.Now()
	_, execErr := s.db.Exec(ctx, statement)
	duration := time.Since(start)
	s.logQueryWithDuration(ctx, statement, operationDrop, duration)

	if execErr != nil {
		s.logError(ctx, logMsgDBExecFailed, execErr, logAttrPartition, name)
		observer.failure(errorTypeDBExec, duration)
		return errors.Join(pubsub.ErrDroppingPartitionFailed, execErr)
	}

	s.evictPartition(name)
	s.logOperation(ctx, logMsgPartitionDropped, logAttrPartition, name, logAttrDurationMS, s.toMilliseconds(duration))
	observer.success(0, duration)

	return nil
}

// Partitions lists the partitions registered in the catalog.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		From(catalogTable).
		Select(catalogColName).
		Order(goqu.C(catalogColName).Asc()).
		ToSQL()
	if toSQLErr != nil {
		return nil, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, err := s.db.Query(ctx, sqlQuery)
	if err != nil {
		return nil, errors.Join(pubsub.ErrQueryingRecordsFailed, err)
	}
	defer s.closeRows(ctx, rows)

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Join(pubsub.ErrScanningDBRowFailed, err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Join(pubsub.ErrQueryingRecordsFailed, err)
	}

	return names, nil
}

// partitionExists reports whether the table of a partition exists.
func (s *Store) partitionExists(ctx context.Context, name string) (bool, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Select(goqu.L("to_regclass(?) IS NOT NULL", pgx.Identifier{name}.Sanitize())).
		ToSQL()
	if toSQLErr != nil {
		return false, errors.Join(pubsub.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, err := s.db.Query(ctx, sqlQuery)
	if err != nil {
		return false, errors.Join(pubsub.ErrQueryingRecordsFailed, err)
	}
	defer s.closeRows(ctx, rows)

	exists := false
	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return false, errors.Join(pubsub.ErrScanningDBRowFailed, err)
		}
	}

	return exists, rows.Err()
}

// openPartition is the OpenFunc of the store's channel registry.
func (s *Store) openPartition(ctx context.Context, partition string) (pubsub.Tail, error) {
	if s.autoProvision {
		if err := s.ProvisionPartition(ctx, partition); err != nil {
			return nil, err
		}
	} else {
		exists, err := s.partitionExists(ctx, partition)
		if err != nil {
			return nil, err
		}

		if !exists {
			return nil, errors.Join(ErrPartitionNotFound, fmt.Errorf("partition %q", partition))
		}
	}

	return s.newTail(partition), nil
}

// notifyChannel returns the LISTEN channel the notify trigger uses for a partition.
func notifyChannel(partition string) string {
	return truncateIdentifier(notifyChannelPrefix + partition)
}

func derivedIdentifier(name, suffix string) string {
	return truncateIdentifier(name + suffix)
}

// truncateIdentifier cuts names to the identifier length Postgres keeps.
func truncateIdentifier(name string) string {
	if len(name) <= maxIdentifierLength {
		return name
	}

	return name[:maxIdentifierLength]
}
