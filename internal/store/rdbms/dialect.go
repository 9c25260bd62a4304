// Package rdbms is the shared generic implementation of the store
// contracts (VersionedStore, IndexWriter, JobStore) layered over
// database/sql. Both the sqlitestore and doltstore backends construct a
// *rdbms.Store with a Dialect describing their SQL quirks; the CRUD,
// optimistic-concurrency, and job-lease logic is written exactly once.
package rdbms

import "database/sql"

// Dialect isolates the handful of places the two supported engines
// (SQLite and Dolt/MySQL) disagree: how the schema is applied, which
// driver errors are transient, and how a key collision is reported.
// Everything else uses plain ANSI SQL with '?' placeholders, which both
// drivers accept.
type Dialect interface {
	// Name identifies the dialect for span/log attributes ("sqlite", "dolt").
	Name() string

	// CreateSchema runs the shared SchemaStatements DDL to ensure every
	// table this package needs exists; idempotency comes from the DDL's
	// IF NOT EXISTS clauses.
	CreateSchema(db *sql.DB) error

	// IsRetryable reports whether err represents a transient condition
	// (lock contention, connection drop) worth retrying with backoff.
	IsRetryable(err error) bool

	// IsUniqueViolation reports whether err is a primary/unique key
	// collision, used to detect the blind-insert race in Upsert.
	IsUniqueViolation(err error) bool
}
