// Package sqlitestore is the pure-Go relational backend, built on
// ncruces/go-sqlite3 (no CGO) the same way the teacher's ephemeral store
// opens its side database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/beads-health/resourcestore/internal/store"
	"github.com/beads-health/resourcestore/internal/store/rdbms"
)

func init() {
	store.RegisterBackend("sqlite", open)
}

func open(ctx context.Context, opts store.Options) (store.Backend, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = "file:resourcestore.db?_journal=WAL&_busy_timeout=5000&_foreign_keys=1"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	rs, err := rdbms.Open(ctx, db, dialect{}, opts.ReadOnly, slog.Default().With("backend", "sqlite"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return backend{rs}, nil
}

// backend adapts *rdbms.Store to store.Backend; Close needs to be exposed
// since rdbms.Store.Close already satisfies it, but wrapping keeps the
// registered factory's return type decoupled from rdbms internals.
type backend struct {
	*rdbms.Store
}

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) CreateSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(rdbms.SchemaStatements) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", spanTrunc(stmt), err)
		}
	}
	return tx.Commit()
}

func (dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "busy", "database is busy"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key constraint")
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func spanTrunc(s string) string {
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}
