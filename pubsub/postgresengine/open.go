package postgresengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConnectingFailed is returned by Open when the database cannot be reached.
var ErrConnectingFailed = errors.New("connecting to database failed")

// Open connects to the database at url, installs the shared schema objects and returns a Store that
// owns the connection pool. Pool settings such as pool_max_conns can be passed as url parameters.
// Close releases the pool.
func Open(ctx context.Context, url string, options ...Option) (*Store, error) {
	return OpenWithReplica(ctx, url, "", options...)
}

// OpenWithReplica works like Open and additionally routes reads that carry
// pubsub.WithEventualConsistency to the database at replicaURL. An empty replicaURL disables routing.
func OpenWithReplica(ctx context.Context, url, replicaURL string, options ...Option) (*Store, error) {
	primary, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}

	closers := []func(){primary.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if replicaURL != "" {
		replica, replicaErr := connect(ctx, replicaURL)
		if replicaErr != nil {
			closeAll()
			return nil, replicaErr
		}

		closers = append(closers, replica.Close)
		options = append(options, WithReplica(replica))
	}

	store, err := NewStoreFromPGXPool(primary, options...)
	if err != nil {
		closeAll()
		return nil, err
	}

	store.closers = append(store.closers, closers...)

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return store, nil
}

func connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Join(ErrConnectingFailed, fmt.Errorf("parse url: %w", err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Join(ErrConnectingFailed, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(ErrConnectingFailed, err)
	}

	return pool, nil
}
