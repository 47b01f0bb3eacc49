package main

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/postgresengine"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/promadapters"
)

// docStore is the part of the store the commands use.
type docStore interface {
	Migrate(ctx context.Context) error
	ProvisionPartition(ctx context.Context, name string) error
	DropPartition(ctx context.Context, name string) error
	Partitions(ctx context.Context) ([]string, error)
	ResolvePartitionName(topic string) string
	Publish(ctx context.Context, topic, event string, message pubsub.Message) (primitive.ObjectID, error)
	Query(ctx context.Context, topic string, q pubsub.Query) (pubsub.Records, error)
	Count(ctx context.Context, topic string, where pubsub.Where) (int64, error)
	RemoveAll(ctx context.Context, topic string, where pubsub.Where) (pubsub.RemoveResult, error)
	Ensure(ctx context.Context, topic string) (*pubsub.Channel, error)
	Subscribe(ctx context.Context, topic string, listener pubsub.Listener) (func(), error)
	Topics() []string
	Close() error
}

var _ docStore = (*postgresengine.Store)(nil)

// openPostgresStore connects to the configured primary and replica and migrates the schema.
func openPostgresStore(ctx context.Context, a *app) (docStore, error) {
	return postgresengine.OpenWithReplica(ctx, a.cfg.PoolURL(), a.cfg.ReplicaPoolURL(), storeOptions(a)...)
}

// storeOptions maps the configuration onto store options. The logger is only passed as contextual
// logger; the store writes to every logger it is given.
func storeOptions(a *app) []postgresengine.Option {
	options := []postgresengine.Option{
		postgresengine.WithTopicSettings(a.cfg.TopicSettings()),
		postgresengine.WithContextualLogger(a.logger),
		postgresengine.WithMetrics(promadapters.NewMetricsCollector(a.registry)),
		postgresengine.WithRecordCache(a.cfg.Cache.Size),
		postgresengine.WithPollInterval(a.cfg.Tail.PollInterval),
		postgresengine.WithAutoProvision(a.cfg.Postgres.AutoProvision),
	}

	if a.cfg.Tail.ListenerDSN != "" {
		options = append(options, postgresengine.WithListenerDSN(a.cfg.Tail.ListenerDSN))
	}

	return options
}
