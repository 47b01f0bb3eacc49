package config

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// PostgresPGXPool connects a pgxpool.Pool to the test database and closes it on cleanup.
func PostgresPGXPool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	const defaultMaxConnections = int32(10)
	const defaultMinConnections = int32(1)
	const defaultConnectTimeout = time.Second * 5

	dbConfig, err := pgxpool.ParseConfig(PostgresDSN(t))
	require.NoError(t, err)

	dbConfig.MaxConns = defaultMaxConnections
	dbConfig.MinConns = defaultMinConnections
	dbConfig.ConnConfig.ConnectTimeout = defaultConnectTimeout

	pool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))

	t.Cleanup(pool.Close)

	return pool
}
