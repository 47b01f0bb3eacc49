package config

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/stretchr/testify/require"
)

const (
	defaultMaxOpenConnections = 10
	defaultMaxIdleConnections = 2
	defaultMaxConnLifetime    = time.Hour
)

// PostgresSQLDB opens a sql.DB on the test database through lib/pq and closes it on cleanup.
func PostgresSQLDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", PostgresDSN(t))
	require.NoError(t, err)

	db.SetMaxOpenConns(defaultMaxOpenConnections)
	db.SetMaxIdleConns(defaultMaxIdleConnections)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)

	require.NoError(t, db.PingContext(context.Background()))

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// PostgresSQLX wraps PostgresSQLDB in a sqlx.DB.
func PostgresSQLX(t testing.TB) *sqlx.DB {
	t.Helper()

	return sqlx.NewDb(PostgresSQLDB(t), "postgres")
}
