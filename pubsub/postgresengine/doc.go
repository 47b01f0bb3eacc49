// Package postgresengine stores pubsub topics in PostgreSQL.
//
// Every partition is a table with a text primary key holding the hex ObjectID, an identity sequence that
// defines insertion order, the event name and the message as JSONB. An AFTER INSERT trigger announces new
// rows with pg_notify on the channel "pubsub_<partition>", which the tails of the store LISTEN on.
// Stores built on sql.DB or sqlx.DB poll instead, unless WithListenerDSN provides a connection string
// for a lib/pq listener.
//
// Each row also records the id of its inserting transaction. A tail delivers what was not visible when
// it attached, ordered by transaction id and sequence, and holds records back while an older transaction
// is still running, so a writer that commits late is not skipped. This needs PostgreSQL 13 or later.
//
// Where-clauses are translated into goqu expressions: equality becomes JSONB containment (@>),
// comparisons become typed JSONB comparisons and like becomes a POSIX regular expression match on the
// text value of the field. Fields named _id, event, created_at and seq address columns directly.
package postgresengine
