package rdbms

import (
	"context"

	"github.com/beads-health/resourcestore/internal/record"
)

// ListCurrent implements store.ResourceLister. continuation is the last
// logical_id seen by the previous page (empty for the first page);
// pages are ordered by logical_id so the cursor is stable across calls
// even as unrelated types are written concurrently.
func (s *Store) ListCurrent(ctx context.Context, typ, continuation string, limit int) ([]*record.Record, string, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.query(ctx, "list_current", `
		SELECT type, logical_id, version, last_modified, request_method,
			raw_bytes, meta_embedded, search_param_hash, row_version
		FROM records
		WHERE type = ? AND is_current = 1 AND is_deleted = 0 AND logical_id > ?
		ORDER BY logical_id
		LIMIT ?`, typ, continuation, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var rec record.Record
		var metaEmbedded int
		if err := rows.Scan(&rec.Type, &rec.LogicalID, &rec.Version, &rec.LastModified,
			&rec.RequestMethod, &rec.RawBytes, &metaEmbedded, &rec.SearchParamHash, &rec.RowVersion); err != nil {
			return nil, "", false, err
		}
		rec.MetaEmbedded = metaEmbedded != 0
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}

	done := len(out) <= limit
	if !done {
		out = out[:limit]
	}

	next := continuation
	if len(out) > 0 {
		next = out[len(out)-1].LogicalID
	}
	return out, next, done, nil
}
