// Package doltstore is the second backend: Dolt, a version-controlled
// MySQL-compatible database. It exercises the RDBMS contract through the
// same generic rdbms.Store used by sqlitestore, connected either embedded
// (database/sql over dolthub/driver, requires CGO) or to a running dolt
// sql-server (database/sql over go-sql-driver/mysql, no CGO required),
// exactly the two connection modes the teacher's DoltStore supports. Only
// embedded mode needs CGO; it lives in its own cgo-gated file
// (doltstore_embedded.go) so this package always has a buildable,
// registerable backend regardless of CGO_ENABLED.
package doltstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/beads-health/resourcestore/internal/store"
	"github.com/beads-health/resourcestore/internal/store/rdbms"
)

func init() {
	store.RegisterBackend("dolt", open)
}

func open(ctx context.Context, opts store.Options) (store.Backend, error) {
	var db *sql.DB
	var err error

	if opts.ServerMode {
		db, err = openServerMode(opts)
	} else {
		db, err = openEmbedded(opts)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("doltstore: ping: %w", err)
	}

	rs, err := rdbms.Open(ctx, db, dialect{}, opts.ReadOnly, slog.Default().With("backend", "dolt"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return backend{rs}, nil
}

func openServerMode(opts store.Options) (*sql.DB, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = 3307
	}
	database := opts.Database
	if database == "" {
		database = "resourcestore"
	}
	connStr := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", opts.User, opts.Password, host, port, database)
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, fmt.Errorf("doltstore: open server mode: %w", err)
	}
	return db, nil
}

type backend struct {
	*rdbms.Store
}

type dialect struct{}

func (dialect) Name() string { return "dolt" }

func (dialect) CreateSchema(db *sql.DB) error {
	for _, stmt := range splitStatements(rdbms.SchemaStatements) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("doltstore: exec schema stmt: %w", err)
		}
	}
	return nil
}

func (dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"bad connection", "broken pipe", "connection reset", "connection refused",
		"i/o timeout", "lost connection", "gone away", "database is read only",
		"unknown database",
	} {
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
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "primary key")
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
