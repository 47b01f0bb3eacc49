// Package storewrapper creates postgresengine stores on each supported database adapter for integration tests.
package storewrapper

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/postgresengine"
	"github.com/AntonStoeckl/pubsub-docstore-go/testutil/postgresengine/config"
)

// Adapter type names, also accepted in PUBSUB_TEST_ADAPTER.
const (
	TypePGXPool = "pgx.pool"
	TypeSQLDB   = "sql.db"
	TypeSQLXDB  = "sqlx.db"
)

// EnvAdapterType restricts AdapterTypes to one adapter.
const EnvAdapterType = "PUBSUB_TEST_ADAPTER"

// AdapterTypes returns the adapters integration tests should run on: the one named in
// PUBSUB_TEST_ADAPTER, or all of them.
func AdapterTypes() []string {
	if adapterType := strings.ToLower(os.Getenv(EnvAdapterType)); adapterType != "" {
		return []string{adapterType}
	}

	return []string{TypePGXPool, TypeSQLDB, TypeSQLXDB}
}

// NewStore connects to the test database with the given adapter, migrates the schema and returns a
// store that is closed on cleanup. sql.DB based stores tail through a pq listener on the same DSN.
func NewStore(t testing.TB, adapterType string, options ...postgresengine.Option) *postgresengine.Store {
	t.Helper()

	var (
		store *postgresengine.Store
		err   error
	)

	switch adapterType {
	case TypePGXPool:
		store, err = postgresengine.NewStoreFromPGXPool(config.PostgresPGXPool(t), options...)
	case TypeSQLDB:
		options = append(options, postgresengine.WithListenerDSN(config.PostgresDSN(t)))
		store, err = postgresengine.NewStoreFromSQLDB(config.PostgresSQLDB(t), options...)
	case TypeSQLXDB:
		options = append(options, postgresengine.WithListenerDSN(config.PostgresDSN(t)))
		store, err = postgresengine.NewStoreFromSQLX(config.PostgresSQLX(t), options...)
	default:
		t.Fatalf("unsupported adapter type: %s", adapterType)
	}

	require.NoError(t, err, "error creating store")
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()), "error migrating schema")

	return store
}
