// Package adapters provide database adapter implementations for the PostgreSQL record store.
//
// This package implements the adapter pattern to support multiple PostgreSQL database libraries:
// pgx.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent functionality through
// a common DBAdapter interface, so the store builds its SQL once and runs it on any
// supported connection type.
package adapters
