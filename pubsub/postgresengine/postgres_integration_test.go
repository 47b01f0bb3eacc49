package postgresengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/postgresengine"
	"github.com/AntonStoeckl/pubsub-docstore-go/testutil/postgresengine/config"
	"github.com/AntonStoeckl/pubsub-docstore-go/testutil/postgresengine/storewrapper"
)

func openIntegrationStore(t *testing.T, options ...postgresengine.Option) *postgresengine.Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgresengine.Open(ctx, config.PostgresDSN(t), options...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func givenCleanTopic(t *testing.T, store *postgresengine.Store, prefix string) string {
	t.Helper()

	topic := config.UniqueTopic(prefix)

	t.Cleanup(func() {
		_ = store.DropPartition(context.Background(), store.ResolvePartitionName(topic))
	})

	return topic
}

func Test_Integration_PublishFindQueryCount(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := openIntegrationStore(t)
	topic := givenCleanTopic(t, store, "orders")

	// arrange
	firstID, err := store.Publish(ctx, topic, "created", pubsub.Message{"sku": "A-1", "qty": 2, "tags": []any{"red", "xl"}})
	require.NoError(t, err)
	_, err = store.Publish(ctx, topic, "created", pubsub.Message{"sku": "B-2", "qty": 5, "customer": map[string]any{"country": "DE"}})
	require.NoError(t, err)
	_, err = store.Publish(ctx, topic, "cancelled", pubsub.Message{"sku": "A-1"})
	require.NoError(t, err)

	// act
	found, findErr := store.Find(ctx, topic, firstID.Hex())
	newestFirst, queryErr := store.Query(ctx, topic, pubsub.Query{})
	byTag, tagErr := store.Query(ctx, topic, pubsub.Query{Where: pubsub.Where{"tags": "red"}})
	byNested, nestedErr := store.Query(ctx, topic, pubsub.Query{Where: pubsub.Where{"customer.country": "DE"}})
	byRange, rangeErr := store.Count(ctx, topic, pubsub.Where{"qty": map[string]any{"gte": 2}})
	byPattern, patternErr := store.Count(ctx, topic, pubsub.Where{"sku": map[string]any{"like": "^a-", "options": "i"}})
	paged, pagedErr := store.Query(ctx, topic, pubsub.Query{Order: []pubsub.SortKey{{Field: pubsub.NaturalOrder}}, Limit: 1, Skip: 1})

	// assert
	require.NoError(t, findErr)
	require.NoError(t, queryErr)
	require.NoError(t, tagErr)
	require.NoError(t, nestedErr)
	require.NoError(t, rangeErr)
	require.NoError(t, patternErr)
	require.NoError(t, pagedErr)

	require.NotNil(t, found)
	assert.Equal(t, firstID, found.ID)
	assert.Equal(t, "A-1", found.Message["sku"])

	require.Len(t, newestFirst, 3)
	assert.Equal(t, "cancelled", newestFirst[0].Event)
	assert.Greater(t, newestFirst[0].Sequence, newestFirst[2].Sequence)

	require.Len(t, byTag, 1)
	assert.Equal(t, firstID, byTag[0].ID)
	require.Len(t, byNested, 1)
	assert.Equal(t, "B-2", byNested[0].Message["sku"])
	assert.Equal(t, int64(2), byRange)
	assert.Equal(t, int64(2), byPattern)

	require.Len(t, paged, 1)
	assert.Equal(t, "B-2", paged[0].Message["sku"])

	// act
	_, updateErr := store.Update(ctx, topic, pubsub.Where{"sku": "A-1"}, map[string]any{"sku": "Z"})
	replaceErr := store.Replace(ctx, topic, firstID, map[string]any{"sku": "Z"})
	removeErr := store.Remove(ctx, topic, firstID)
	unchanged, unchangedErr := store.Find(ctx, topic, firstID)
	newest, newestErr := store.Query(ctx, topic, pubsub.Query{
		Order: pubsub.OrderFromMap(map[string]any{pubsub.NaturalOrder: -1}),
		Limit: 1,
	})

	// assert
	assert.ErrorIs(t, updateErr, pubsub.ErrImmutableRecord)
	assert.ErrorIs(t, replaceErr, pubsub.ErrImmutableRecord)
	assert.ErrorIs(t, removeErr, pubsub.ErrImmutableRecord)
	require.NoError(t, unchangedErr)
	require.NotNil(t, unchanged)
	assert.Equal(t, found.Message, unchanged.Message)
	assert.Equal(t, found.Sequence, unchanged.Sequence)
	require.NoError(t, newestErr)
	require.Len(t, newest, 1)
	assert.Equal(t, "cancelled", newest[0].Event)
}

func Test_Integration_RemoveAll_DeletesOnlyMatchingRecords(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := openIntegrationStore(t)
	topic := givenCleanTopic(t, store, "purge")

	// arrange
	for _, event := range []string{"a", "a", "b"} {
		_, err := store.Publish(ctx, topic, event, pubsub.Message{"n": 1})
		require.NoError(t, err)
	}

	// act
	result, err := store.RemoveAll(ctx, topic, pubsub.Where{"event": "a"})
	remaining, countErr := store.Count(ctx, topic, nil)

	// assert
	require.NoError(t, err)
	require.NoError(t, countErr)
	assert.Equal(t, int64(2), result.Count)
	assert.Equal(t, int64(1), remaining)
}

func Test_Integration_Subscribe_DeliversInsertsFromOtherWriters(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tailing := openIntegrationStore(t)
	writer := openIntegrationStore(t)
	topic := givenCleanTopic(t, tailing, "tail")
	listener := &collectingListener{}

	// arrange
	_, err := writer.Publish(ctx, topic, "before", pubsub.Message{"n": 0})
	require.NoError(t, err)

	unsubscribe, err := tailing.Subscribe(ctx, topic, listener)
	require.NoError(t, err)
	defer unsubscribe()

	_, err = tailing.Ensure(ctx, topic)
	require.NoError(t, err)

	// act
	for i := 1; i <= 3; i++ {
		_, err := writer.Publish(ctx, topic, "after", pubsub.Message{"n": i})
		require.NoError(t, err)
	}

	// assert
	assert.Eventually(t, func() bool {
		names, _ := listener.snapshot()
		return len(names) == 6
	}, 5*time.Second, 20*time.Millisecond)

	names, payloads := listener.snapshot()
	assert.NotContains(t, names, "before", "records present before attach must not be delivered")
	for i := 0; i < 3; i++ {
		assert.Equal(t, "after", names[2*i])
		assert.Equal(t, float64(i+1), payloads[2*i].(pubsub.Message)["n"], "delivery must follow insertion order")
	}
}

func Test_Integration_EveryAdapter_PublishesQueriesAndTails(t *testing.T) {
	for _, adapterType := range storewrapper.AdapterTypes() {
		t.Run(adapterType, func(t *testing.T) {
			// setup
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			store := storewrapper.NewStore(t, adapterType)
			topic := givenCleanTopic(t, store, "adapter")
			listener := &collectingListener{}

			// arrange
			unsubscribe, err := store.Subscribe(ctx, topic, listener)
			require.NoError(t, err)
			defer unsubscribe()
			_, err = store.Ensure(ctx, topic)
			require.NoError(t, err)

			// act
			id, publishErr := store.Publish(ctx, topic, "created", pubsub.Message{"n": 1})
			records, queryErr := store.Query(ctx, topic, pubsub.Query{Where: pubsub.Where{"n": 1}})

			// assert
			require.NoError(t, publishErr)
			require.NoError(t, queryErr)
			require.Len(t, records, 1)
			assert.Equal(t, id, records[0].ID)

			assert.Eventually(t, func() bool {
				names, _ := listener.snapshot()
				return len(names) == 2
			}, 5*time.Second, 20*time.Millisecond)
		})
	}
}

func Test_Integration_Partitions_ListsProvisionedPartitions(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := openIntegrationStore(t, postgresengine.WithAutoProvision(false))
	topic := givenCleanTopic(t, store, "catalog")

	// act
	_, ensureErr := store.Ensure(ctx, topic)
	provisionErr := store.ProvisionPartition(ctx, topic)
	partitions, listErr := store.Partitions(ctx)

	// assert
	assert.ErrorIs(t, ensureErr, postgresengine.ErrPartitionNotFound)
	require.NoError(t, provisionErr)
	require.NoError(t, listErr)
	assert.Contains(t, partitions, topic)
}

func Test_Integration_Subscribe_When_EarlierTransactionCommitsLate_DeliversBothInTransactionOrder(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := openIntegrationStore(t)
	topic := givenCleanTopic(t, store, "late")
	listener := &collectingListener{}
	pool := config.PostgresPGXPool(t)

	// arrange
	unsubscribe, err := store.Subscribe(ctx, topic, listener)
	require.NoError(t, err)
	defer unsubscribe()
	_, err = store.Ensure(ctx, topic)
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(context.Background()) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{topic}.Sanitize()+` ("_id", "event", "message") VALUES ($1, 'early', '{"n":1}')`,
		primitive.NewObjectID().Hex())
	require.NoError(t, err)

	// act
	_, err = store.Publish(ctx, topic, "late", pubsub.Message{"n": 2})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		names, _ := listener.snapshot()
		return len(names) > 0
	}, 500*time.Millisecond, 20*time.Millisecond, "the later record must wait for the running transaction")

	require.NoError(t, tx.Commit(ctx))

	// assert
	assert.Eventually(t, func() bool {
		names, _ := listener.snapshot()
		return len(names) == 4
	}, 5*time.Second, 20*time.Millisecond)

	names, _ := listener.snapshot()
	assert.Equal(t, []string{"early", pubsub.GenericNotification, "late", pubsub.GenericNotification}, names)
}

func Test_Integration_ListenTails_DoNotOccupyPoolConnections(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(config.PostgresDSN(t))
	require.NoError(t, err)
	poolConfig.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := postgresengine.NewStoreFromPGXPool(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	first := givenCleanTopic(t, store, "conn_a")
	second := givenCleanTopic(t, store, "conn_b")
	listener := &collectingListener{}

	// arrange
	for _, topic := range []string{first, second} {
		unsubscribe, err := store.Subscribe(ctx, topic, listener)
		require.NoError(t, err)
		defer unsubscribe()
		_, err = store.Ensure(ctx, topic)
		require.NoError(t, err)
	}

	// act
	publishCtx, publishCancel := context.WithTimeout(ctx, 2*time.Second)
	defer publishCancel()
	_, publishErr := store.Publish(publishCtx, first, "created", pubsub.Message{"n": 1})
	count, countErr := store.Count(publishCtx, second, nil)

	// assert
	require.NoError(t, publishErr)
	require.NoError(t, countErr)
	assert.Equal(t, int64(0), count)
	assert.Eventually(t, func() bool {
		names, _ := listener.snapshot()
		return len(names) == 2
	}, 5*time.Second, 20*time.Millisecond)
}
