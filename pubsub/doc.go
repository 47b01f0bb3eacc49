// Package pubsub provides the storage-agnostic core of an append-only, topic-partitioned record store
// with live change notification.
//
// A topic is a logical name that maps onto a storage partition (see TopicSettings). Records published
// to a topic are never updated; they can be read back, counted and removed in bulk. Every record
// inserted into a partition is fanned out to the listeners bound to the topic, in insertion order.
//
// This package defines:
//   - Record, Query, Where and the parsed filter tree (Node, Condition, Logical)
//   - the identifier normalizer (NormalizeID)
//   - the channel Registry, which memoizes one Channel per topic and fans records out to Listeners
//   - sentinel errors and observability interfaces shared by storage engines
//
// Common usage pattern with the Postgres engine:
//
//	store, err := postgresengine.Open(ctx, dsn)
//	if err != nil {
//		// handle error
//	}
//	defer store.Close()
//
//	cancel, err := store.Subscribe(ctx, "audit", pubsub.ListenerFunc(func(name string, payload any) {
//		// name is the record's event, then "message" with the full Record
//	}))
//
//	id, err := store.Publish(ctx, "audit", "login", pubsub.Message{"user": "ann"})
//
//	records, err := store.Query(ctx, "audit", pubsub.Query{
//		Where: pubsub.Where{"event": "login"},
//		Limit: 10,
//	})
package pubsub
