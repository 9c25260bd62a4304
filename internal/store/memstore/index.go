package memstore

import (
	"context"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

func (s *Store) UpdateIndex(ctx context.Context, key record.Key, rows []record.IndexRow, searchParamHash string, ifMatch int64) (*record.Record, error) {
	const op = "memstore.UpdateIndex"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.applyIndexUpdateLocked(key, rows, searchParamHash, ifMatch)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	return cloneRecord(rec), nil
}

func (s *Store) UpdateIndicesBatch(ctx context.Context, updates []store.IndexBatchEntry) error {
	const op = "memstore.UpdateIndicesBatch"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, err := s.checkIndexPrecondition(u.Key, u.IfMatch); err != nil {
			return rerrors.Wrap(op, err)
		}
	}
	for _, u := range updates {
		if _, err := s.applyIndexUpdateLocked(u.Key, u.Rows, u.SearchParamHash, u.IfMatch); err != nil {
			return rerrors.Wrap(op, err)
		}
	}
	return nil
}

func (s *Store) checkIndexPrecondition(key record.Key, ifMatch int64) (*record.Record, error) {
	rk := resourceKey{key.Type, key.LogicalID}
	curVersion, exists := s.current[rk]
	if !exists {
		return nil, rerrors.ErrNotFound
	}
	cur := s.history[rk][curVersion]
	if cur.IsDeleted {
		return nil, rerrors.ErrNotFound
	}
	if curVersion != ifMatch {
		return nil, rerrors.ErrPreconditionFailed
	}
	return cur, nil
}

func (s *Store) applyIndexUpdateLocked(key record.Key, rows []record.IndexRow, searchParamHash string, ifMatch int64) (*record.Record, error) {
	cur, err := s.checkIndexPrecondition(key, ifMatch)
	if err != nil {
		return nil, err
	}
	cur.IndexRows = append([]record.IndexRow(nil), rows...)
	cur.SearchParamHash = searchParamHash
	return cur, nil
}
