// Package config provides PostgreSQL connections for the integration tests of the pubsub stores.
//
// The database is taken from the PUBSUB_TEST_POSTGRES_DSN environment variable. When it is not set,
// the helpers skip the calling test, so the unit tests run without a database. Every supported
// connection type (pgx.Pool, sql.DB, sqlx.DB) has a factory that closes the connection on test cleanup.
package config
