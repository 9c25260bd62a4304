package rdbms

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

// UpdateIndex implements store.IndexWriter.UpdateIndex: replaces the index
// rows and search_param_hash of the current record in place, leaving
// version, last_modified, and raw_bytes untouched.
func (s *Store) UpdateIndex(ctx context.Context, key record.Key, rows []record.IndexRow, searchParamHash string, ifMatch int64) (*record.Record, error) {
	const op = "rdbms.UpdateIndex"

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.applyIndexUpdate(ctx, tx, key, rows, searchParamHash, ifMatch); err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	return s.Get(ctx, key)
}

// UpdateIndicesBatch implements store.IndexWriter.UpdateIndicesBatch:
// every entry's precondition is checked before any row is written, so the
// whole batch fails atomically if one entry's if_match is stale or its
// record is gone.
func (s *Store) UpdateIndicesBatch(ctx context.Context, updates []store.IndexBatchEntry) error {
	const op = "rdbms.UpdateIndicesBatch"

	tx, err := s.beginTx(ctx)
	if err != nil {
		return rerrors.Wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		cur, err := s.loadCurrent(ctx, tx, u.Key.Type, u.Key.LogicalID)
		if err != nil {
			return rerrors.Wrap(op, err)
		}
		if cur == nil || cur.isDeleted {
			return rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		if cur.version != u.IfMatch {
			return rerrors.Wrap(op, rerrors.ErrPreconditionFailed)
		}
	}

	for _, u := range updates {
		if err := s.applyIndexUpdate(ctx, tx, u.Key, u.Rows, u.SearchParamHash, u.IfMatch); err != nil {
			return rerrors.Wrap(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rerrors.Wrap(op, err)
	}
	return nil
}

func (s *Store) applyIndexUpdate(ctx context.Context, tx *sql.Tx, key record.Key, rows []record.IndexRow, searchParamHash string, ifMatch int64) error {
	cur, err := s.loadCurrent(ctx, tx, key.Type, key.LogicalID)
	if err != nil {
		return err
	}
	if cur == nil || cur.isDeleted {
		return rerrors.ErrNotFound
	}
	if cur.version != ifMatch {
		return rerrors.ErrPreconditionFailed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_rows WHERE type = ? AND logical_id = ?`, key.Type, key.LogicalID); err != nil {
		return err
	}
	for _, row := range rows {
		if err := insertIndexRow(ctx, tx, key.Type, key.LogicalID, row); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE records SET search_param_hash = ? WHERE type = ? AND logical_id = ? AND is_current = 1`,
		searchParamHash, key.Type, key.LogicalID)
	return err
}

func insertIndexRow(ctx context.Context, tx *sql.Tx, typ, logicalID string, row record.IndexRow) error {
	var compositeJSON []byte
	if row.Family == record.FamilyComposite {
		var err error
		compositeJSON, err = json.Marshal(row.CompositeOf)
		if err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO index_rows
			(type, logical_id, param_name, family, token_system, token_code,
			 string_value, reference_type, reference_id, quantity_value,
			 quantity_system, quantity_code, date_start, date_end,
			 numeric_value, uri_value, composite_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		typ, logicalID, row.ParamName, row.Family.String(),
		row.TokenSystem, row.TokenCode, row.StringValue,
		row.ReferenceType, row.ReferenceID, row.QuantityValue,
		row.QuantitySystem, row.QuantityCode, nullTime(row.DateStart), nullTime(row.DateEnd),
		row.NumericValue, row.URIValue, compositeJSON,
	)
	return err
}

func (s *Store) loadIndexRows(ctx context.Context, typ, logicalID string) ([]record.IndexRow, error) {
	rows, err := s.query(ctx, "load_index_rows", `
		SELECT param_name, family, token_system, token_code, string_value,
			reference_type, reference_id, quantity_value, quantity_system,
			quantity_code, date_start, date_end, numeric_value, uri_value, composite_json
		FROM index_rows WHERE type = ? AND logical_id = ?`, typ, logicalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.IndexRow
	for rows.Next() {
		var r record.IndexRow
		var family string
		var dateStart, dateEnd sql.NullTime
		var compositeJSON []byte
		if err := rows.Scan(&r.ParamName, &family, &r.TokenSystem, &r.TokenCode, &r.StringValue,
			&r.ReferenceType, &r.ReferenceID, &r.QuantityValue, &r.QuantitySystem,
			&r.QuantityCode, &dateStart, &dateEnd, &r.NumericValue, &r.URIValue, &compositeJSON); err != nil {
			return nil, err
		}
		r.Family = parseFamily(family)
		if dateStart.Valid {
			r.DateStart = dateStart.Time
		}
		if dateEnd.Valid {
			r.DateEnd = dateEnd.Time
		}
		if len(compositeJSON) > 0 {
			if err := json.Unmarshal(compositeJSON, &r.CompositeOf); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFamily(s string) record.Family {
	switch s {
	case "token":
		return record.FamilyToken
	case "string":
		return record.FamilyString
	case "reference":
		return record.FamilyReference
	case "quantity":
		return record.FamilyQuantity
	case "date":
		return record.FamilyDate
	case "numeric":
		return record.FamilyNumeric
	case "uri":
		return record.FamilyURI
	case "composite":
		return record.FamilyComposite
	default:
		return record.FamilyString
	}
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
