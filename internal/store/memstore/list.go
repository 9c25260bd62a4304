package memstore

import (
	"context"
	"sort"

	"github.com/beads-health/resourcestore/internal/record"
)

// ListCurrent implements store.ResourceLister.
func (s *Store) ListCurrent(ctx context.Context, typ, continuation string, limit int) ([]*record.Record, string, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for key, version := range s.current {
		if key.typ != typ {
			continue
		}
		if key.logicalID <= continuation {
			continue
		}
		r := s.history[key][version]
		if r.IsDeleted {
			continue
		}
		ids = append(ids, key.logicalID)
	}
	sort.Strings(ids)

	done := len(ids) <= limit
	if !done {
		ids = ids[:limit]
	}

	out := make([]*record.Record, 0, len(ids))
	next := continuation
	for _, id := range ids {
		key := resourceKey{typ, id}
		out = append(out, cloneRecord(s.history[key][s.current[key]]))
		next = id
	}

	return out, next, done, nil
}
