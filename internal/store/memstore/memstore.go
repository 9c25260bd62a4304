// Package memstore is an in-memory backend for unit tests, modeled on the
// teacher's memoryWispStore: a mutex-guarded map with deep-copy-on-read and
// deep-copy-on-write so callers can never observe or corrupt internal state
// through a returned pointer.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

type resourceKey struct {
	typ       string
	logicalID string
}

// Store is an in-memory implementation of store.Backend.
type Store struct {
	mu sync.RWMutex

	history map[resourceKey]map[int64]*record.Record
	current map[resourceKey]int64

	jobs map[string]*store.ReindexJob
}

// New returns an empty in-memory backend.
func New() *Store {
	return &Store{
		history: make(map[resourceKey]map[int64]*record.Record),
		current: make(map[resourceKey]int64),
		jobs:    make(map[string]*store.ReindexJob),
	}
}

func (s *Store) Close() error { return nil }

func cloneRecord(r *record.Record) *record.Record {
	if r == nil {
		return nil
	}
	out := *r
	out.RawBytes = append([]byte(nil), r.RawBytes...)
	out.IndexRows = append([]record.IndexRow(nil), r.IndexRows...)
	for i := range out.IndexRows {
		out.IndexRows[i].CompositeOf = append([]record.IndexRow(nil), r.IndexRows[i].CompositeOf...)
	}
	return &out
}

func (s *Store) Upsert(ctx context.Context, rec *record.Record, ifMatch *int64, allowCreate, keepHistory bool) (store.UpsertResult, error) {
	const op = "memstore.Upsert"

	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{rec.Type, rec.LogicalID}
	curVersion, exists := s.current[key]
	now := time.Now().UTC()

	if !exists {
		if ifMatch != nil {
			return store.UpsertResult{}, rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		if !allowCreate {
			return store.UpsertResult{}, rerrors.Wrap(op, rerrors.ErrMethodNotAllowed)
		}
		s.putCurrent(key, 1, rec, now)
		return store.UpsertResult{Outcome: store.OutcomeCreated, Version: 1, LastModified: now}, nil
	}

	cur := s.history[key][curVersion]

	if ifMatch != nil && *ifMatch != curVersion {
		return store.UpsertResult{}, rerrors.Wrap(op, rerrors.ErrPreconditionFailed)
	}

	if cur.IsDeleted && rec.IsDeleted {
		return store.UpsertResult{Outcome: store.OutcomeUpdated, Version: 0}, nil
	}

	newVersion := curVersion + 1
	if !keepHistory {
		delete(s.history[key], curVersion)
	}
	s.putCurrent(key, newVersion, rec, now)

	return store.UpsertResult{Outcome: store.OutcomeUpdated, Version: newVersion, LastModified: now}, nil
}

func (s *Store) putCurrent(key resourceKey, version int64, rec *record.Record, now time.Time) {
	stored := cloneRecord(rec)
	stored.Version = version
	stored.LastModified = now
	stored.RowVersion = uuid.New().String()
	if s.history[key] == nil {
		s.history[key] = make(map[int64]*record.Record)
	}
	s.history[key][version] = stored
	s.current[key] = version
}

func (s *Store) Get(ctx context.Context, key record.Key) (*record.Record, error) {
	const op = "memstore.Get"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rk := resourceKey{key.Type, key.LogicalID}
	versions := s.history[rk]
	if versions == nil {
		return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
	}

	if key.Version != 0 {
		r, ok := versions[key.Version]
		if !ok {
			return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		return cloneRecord(r), nil
	}

	curVersion, ok := s.current[rk]
	if !ok {
		return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
	}
	r := versions[curVersion]
	if r.IsDeleted {
		return nil, rerrors.Wrap(op, rerrors.ErrGone)
	}
	return cloneRecord(r), nil
}

func (s *Store) Delete(ctx context.Context, typ, logicalID string, hard bool) (store.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{typ, logicalID}

	if hard {
		delete(s.history, key)
		delete(s.current, key)
		return store.DeleteResult{Version: nil}, nil
	}

	curVersion, exists := s.current[key]
	if !exists {
		return store.DeleteResult{Version: nil}, nil
	}
	cur := s.history[key][curVersion]
	if cur.IsDeleted {
		return store.DeleteResult{Version: nil}, nil
	}

	newVersion := curVersion + 1
	now := time.Now().UTC()
	tombstone := &record.Record{
		Type: typ, LogicalID: logicalID, Version: newVersion, IsDeleted: true,
		LastModified: now, RequestMethod: "DELETE", RowVersion: uuid.New().String(),
	}
	s.history[key][newVersion] = tombstone
	s.current[key] = newVersion

	v := newVersion
	return store.DeleteResult{Version: &v}, nil
}
