package rdbms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

type currentRow struct {
	version    int64
	isDeleted  bool
	rowVersion string
}

func (s *Store) loadCurrent(ctx context.Context, tx *sql.Tx, typ, logicalID string) (*currentRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT version, is_deleted, row_version FROM records
		WHERE type = ? AND logical_id = ? AND is_current = 1`, typ, logicalID)
	var cur currentRow
	var isDeleted int
	if err := row.Scan(&cur.version, &isDeleted, &cur.rowVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cur.isDeleted = isDeleted != 0
	return &cur, nil
}

// Upsert implements store.VersionedStore.Upsert. It retries the
// read-check-write sequence on a lost optimistic race (another writer
// advanced the same (type, logical_id) between our read and our
// conditional write) until it either succeeds or ctx is done. Every
// attempt reads the current row first; there is no separate blind-insert
// attempt, and a create that collides with a concurrent insert is retried
// through the same loop.
func (s *Store) Upsert(ctx context.Context, rec *record.Record, ifMatch *int64, allowCreate, keepHistory bool) (store.UpsertResult, error) {
	const op = "rdbms.Upsert"

	for {
		select {
		case <-ctx.Done():
			return store.UpsertResult{}, rerrors.Wrap(op, ctx.Err())
		default:
		}

		result, retry, err := s.attemptUpsert(ctx, rec, ifMatch, allowCreate, keepHistory)
		if err != nil {
			return store.UpsertResult{}, err
		}
		if !retry {
			return result, nil
		}
	}
}

func (s *Store) attemptUpsert(ctx context.Context, rec *record.Record, ifMatch *int64, allowCreate, keepHistory bool) (store.UpsertResult, bool, error) {
	const op = "rdbms.Upsert"

	tx, err := s.beginTx(ctx)
	if err != nil {
		return store.UpsertResult{}, false, rerrors.Wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.loadCurrent(ctx, tx, rec.Type, rec.LogicalID)
	if err != nil {
		return store.UpsertResult{}, false, rerrors.Wrap(op, err)
	}

	now := time.Now().UTC()

	if cur == nil {
		if ifMatch != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		if !allowCreate {
			return store.UpsertResult{}, false, rerrors.Wrap(op, rerrors.ErrMethodNotAllowed)
		}
		if err := s.insertCurrent(ctx, tx, rec, 1, now); err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return store.UpsertResult{}, true, nil
			}
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
		if err := tx.Commit(); err != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
		return store.UpsertResult{Outcome: store.OutcomeCreated, Version: 1, LastModified: now}, false, nil
	}

	if ifMatch != nil && *ifMatch != cur.version {
		return store.UpsertResult{}, false, rerrors.Wrap(op, rerrors.ErrPreconditionFailed)
	}

	if cur.isDeleted && rec.IsDeleted {
		if err := tx.Commit(); err != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
		return store.UpsertResult{Outcome: store.OutcomeUpdated, Version: 0}, false, nil
	}

	newVersion := cur.version + 1

	if keepHistory {
		res, err := tx.ExecContext(ctx, `
			UPDATE records SET is_current = 0
			WHERE type = ? AND logical_id = ? AND version = ? AND row_version = ?`,
			rec.Type, rec.LogicalID, cur.version, cur.rowVersion)
		if err != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.UpsertResult{}, true, nil
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE type = ? AND logical_id = ? AND version = ? AND row_version = ?`,
			rec.Type, rec.LogicalID, cur.version, cur.rowVersion)
		if err != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.UpsertResult{}, true, nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_rows WHERE type = ? AND logical_id = ?`, rec.Type, rec.LogicalID); err != nil {
			return store.UpsertResult{}, false, rerrors.Wrap(op, err)
		}
	}

	if err := s.insertCurrent(ctx, tx, rec, newVersion, now); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return store.UpsertResult{}, true, nil
		}
		return store.UpsertResult{}, false, rerrors.Wrap(op, err)
	}

	if err := tx.Commit(); err != nil {
		return store.UpsertResult{}, false, rerrors.Wrap(op, err)
	}

	return store.UpsertResult{Outcome: store.OutcomeUpdated, Version: newVersion, LastModified: now}, false, nil
}

func (s *Store) insertCurrent(ctx context.Context, tx *sql.Tx, rec *record.Record, version int64, now time.Time) error {
	rawBytes, metaEmbedded := patchMetaIfJSON(rec.RawBytes, version, now)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records
			(type, logical_id, version, is_current, is_deleted, last_modified,
			 request_method, raw_bytes, meta_embedded, search_param_hash, row_version)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Type, rec.LogicalID, version, boolToInt(rec.IsDeleted), now,
		rec.RequestMethod, rawBytes, boolToInt(metaEmbedded), "", uuid.New().String(),
	)
	return err
}

// Get implements store.VersionedStore.Get.
func (s *Store) Get(ctx context.Context, key record.Key) (*record.Record, error) {
	const op = "rdbms.Get"

	var query string
	var args []any
	if key.Version == 0 {
		query = `SELECT type, logical_id, version, is_current, is_deleted, last_modified,
			request_method, raw_bytes, meta_embedded, search_param_hash, row_version
			FROM records WHERE type = ? AND logical_id = ? AND is_current = 1`
		args = []any{key.Type, key.LogicalID}
	} else {
		query = `SELECT type, logical_id, version, is_current, is_deleted, last_modified,
			request_method, raw_bytes, meta_embedded, search_param_hash, row_version
			FROM records WHERE type = ? AND logical_id = ? AND version = ?`
		args = []any{key.Type, key.LogicalID, key.Version}
	}

	var rec record.Record
	var isCurrent, isDeleted, metaEmbedded int
	err := s.queryRow(ctx, "get", func(row *sql.Row) error {
		return row.Scan(&rec.Type, &rec.LogicalID, &rec.Version, &isCurrent, &isDeleted,
			&rec.LastModified, &rec.RequestMethod, &rec.RawBytes, &metaEmbedded,
			&rec.SearchParamHash, &rec.RowVersion)
	}, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		return nil, rerrors.Wrap(op, err)
	}
	rec.IsDeleted = isDeleted != 0
	rec.MetaEmbedded = metaEmbedded != 0

	if rec.IsDeleted && key.Version == 0 {
		return nil, rerrors.Wrap(op, rerrors.ErrGone)
	}

	if !rec.MetaEmbedded {
		rec.RawBytes, _ = patchMetaIfJSONBytes(rec.RawBytes, rec.Version, rec.LastModified)
	}

	if isCurrent != 0 && !rec.IsDeleted {
		rows, err := s.loadIndexRows(ctx, rec.Type, rec.LogicalID)
		if err != nil {
			return nil, rerrors.Wrap(op, err)
		}
		rec.IndexRows = rows
	}

	return &rec, nil
}

// Delete implements store.VersionedStore.Delete.
func (s *Store) Delete(ctx context.Context, typ, logicalID string, hard bool) (store.DeleteResult, error) {
	const op = "rdbms.Delete"

	if hard {
		if _, err := s.exec(ctx, "delete_hard_records", `DELETE FROM records WHERE type = ? AND logical_id = ?`, typ, logicalID); err != nil {
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}
		if _, err := s.exec(ctx, "delete_hard_index", `DELETE FROM index_rows WHERE type = ? AND logical_id = ?`, typ, logicalID); err != nil {
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}
		return store.DeleteResult{Version: nil}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return store.DeleteResult{}, rerrors.Wrap(op, ctx.Err())
		default:
		}

		tx, err := s.beginTx(ctx)
		if err != nil {
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}

		cur, err := s.loadCurrent(ctx, tx, typ, logicalID)
		if err != nil {
			_ = tx.Rollback()
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}
		if cur == nil {
			_ = tx.Rollback()
			return store.DeleteResult{Version: nil}, nil
		}
		if cur.isDeleted {
			_ = tx.Rollback()
			return store.DeleteResult{Version: nil}, nil
		}

		newVersion := cur.version + 1
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE records SET is_current = 0
			WHERE type = ? AND logical_id = ? AND version = ? AND row_version = ?`,
			typ, logicalID, cur.version, cur.rowVersion)
		if err != nil {
			_ = tx.Rollback()
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_ = tx.Rollback()
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM index_rows WHERE type = ? AND logical_id = ?`, typ, logicalID); err != nil {
			_ = tx.Rollback()
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO records
				(type, logical_id, version, is_current, is_deleted, last_modified,
				 request_method, raw_bytes, meta_embedded, search_param_hash, row_version)
			VALUES (?, ?, ?, 1, 1, ?, 'DELETE', NULL, 0, '', ?)`,
			typ, logicalID, newVersion, now, uuid.New().String(),
		)
		if err != nil {
			_ = tx.Rollback()
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}

		if err := tx.Commit(); err != nil {
			return store.DeleteResult{}, rerrors.Wrap(op, err)
		}

		v := newVersion
		return store.DeleteResult{Version: &v}, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// patchMetaIfJSON rewrites meta.versionId/meta.lastUpdated when rawBytes
// looks like a JSON object, setting metaEmbedded true on success; for any
// other payload shape it leaves bytes untouched and reports metaEmbedded
// false so the store patches lazily on read.
func patchMetaIfJSON(rawBytes []byte, version int64, lastModified time.Time) ([]byte, bool) {
	patched, ok := injectMeta(rawBytes, version, lastModified)
	if !ok {
		return rawBytes, false
	}
	return patched, true
}

func patchMetaIfJSONBytes(rawBytes []byte, version int64, lastModified time.Time) ([]byte, bool) {
	return injectMeta(rawBytes, version, lastModified)
}

func injectMeta(rawBytes []byte, version int64, lastModified time.Time) ([]byte, bool) {
	var doc map[string]any
	if err := json.Unmarshal(rawBytes, &doc); err != nil {
		return rawBytes, false
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = fmt.Sprintf("%d", version)
	meta["lastUpdated"] = lastModified.UTC().Format(time.RFC3339)
	doc["meta"] = meta
	out, err := json.Marshal(doc)
	if err != nil {
		return rawBytes, false
	}
	return out, true
}
