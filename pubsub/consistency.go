package pubsub

import "context"

// ConsistencyLevel selects which database node serves a read.
type ConsistencyLevel int

const (
	// StrongConsistency reads from the primary. A list issued right after a publish sees the new record.
	// This is the default.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency allows reads from a replica when one is configured.
	EventualConsistency
)

type contextKey string

// ConsistencyLevelKey is the context key used to store consistency level preferences.
const ConsistencyLevelKey contextKey = "pubsub.consistency_level"

// WithStrongConsistency returns a context that routes reads to the primary.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, StrongConsistency)
}

// WithEventualConsistency returns a context that allows reads from a replica.
//
//	ctx = pubsub.WithEventualConsistency(ctx)
//	records, err := store.Query(ctx, "audit", pubsub.Query{Limit: 50})
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, EventualConsistency)
}

// GetConsistencyLevel extracts the consistency level from the context, StrongConsistency if unset.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(ConsistencyLevelKey).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

// String provides a string representation of ConsistencyLevel for logging.
func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}
