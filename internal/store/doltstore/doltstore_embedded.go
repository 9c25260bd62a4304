//go:build cgo

package doltstore

import (
	"database/sql"
	"fmt"

	embedded "github.com/dolthub/driver"

	"github.com/beads-health/resourcestore/internal/store"
)

// openEmbedded opens the Dolt database in-process via dolthub/driver. The
// embedded connector requires CGO, hence this file's build constraint;
// non-CGO builds get the stub in doltstore_noembed.go instead.
//
// ParseDSN/NewConnector (not a bare sql.Open) is the driver's own entry
// point; sql.DB.Close closes the returned connector for us since it
// implements io.Closer.
func openEmbedded(opts store.Options) (*sql.DB, error) {
	database := opts.Database
	if database == "" {
		database = "resourcestore"
	}
	dsn := fmt.Sprintf("file://%s?commitname=resourcestore&commitemail=resourcestore@local&database=%s", opts.DSN, database)

	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("doltstore: parse embedded dsn: %w", err)
	}
	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("doltstore: open embedded connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}
