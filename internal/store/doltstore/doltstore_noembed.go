//go:build !cgo

package doltstore

import (
	"database/sql"
	"fmt"

	"github.com/beads-health/resourcestore/internal/store"
)

// openEmbedded is unavailable in a CGO-free build; dolthub/driver's
// embedded connector requires CGO. Callers without CGO must set
// opts.ServerMode and point at a running dolt sql-server instead.
func openEmbedded(opts store.Options) (*sql.DB, error) {
	return nil, fmt.Errorf("doltstore: embedded mode requires a CGO build; set ServerMode and point at a dolt sql-server")
}
