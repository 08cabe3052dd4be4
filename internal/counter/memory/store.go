// Package memory provides an in-memory implementation of the exact count
// store. This is useful for testing and development without external
// dependencies, and doubles as the single-node production store when
// storage mode is "memory".
package memory

import (
	"context"
	"sort"
	"sync"

	"rankstream/internal/counter"
	"rankstream/internal/domain"
)

// Store is an in-memory implementation of counter.Store. Counters are held
// as scope -> itemID -> bucket -> count. Bucket maps stay small (bounded by
// the maximum window in buckets plus the archive bucket), so range filtering
// iterates them directly.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]map[string]map[domain.Bucket]int64
}

var _ counter.Store = (*Store)(nil)

// NewStore creates a new in-memory exact count store.
func NewStore() *Store {
	return &Store{
		scopes: make(map[string]map[string]map[domain.Bucket]int64),
	}
}

// Apply adds delta to the counter for (scope, itemID, bucket).
func (s *Store) Apply(_ context.Context, scope, itemID string, bucket domain.Bucket, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.scopes[scope]
	if !ok {
		items = make(map[string]map[domain.Bucket]int64)
		s.scopes[scope] = items
	}
	buckets, ok := items[itemID]
	if !ok {
		buckets = make(map[domain.Bucket]int64, 8)
		items[itemID] = buckets
	}
	buckets[bucket] += delta
	return nil
}

// WindowSum returns the net count per given item over [from, to].
func (s *Store) WindowSum(_ context.Context, scope string, itemIDs []string, from, to domain.Bucket) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]int64, len(itemIDs))
	items := s.scopes[scope]
	for _, id := range itemIDs {
		sums[id] = sumRange(items[id], from, to)
	}
	return sums, nil
}

// ScanScope sums every item in the scope over [from, to], bounded by
// maxItems distinct items.
func (s *Store) ScanScope(_ context.Context, scope string, from, to domain.Bucket, maxItems int) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.scopes[scope]
	if len(items) > maxItems {
		return nil, counter.ErrScopeTooLarge
	}

	sums := make(map[string]int64, len(items))
	for id, buckets := range items {
		sums[id] = sumRange(buckets, from, to)
	}
	return sums, nil
}

// sumRange sums counters whose bucket falls within [from, to].
func sumRange(buckets map[domain.Bucket]int64, from, to domain.Bucket) int64 {
	var total int64
	for b, c := range buckets {
		if b >= from && b <= to {
			total += c
		}
	}
	return total
}

// Cardinality returns the number of distinct items in the scope.
func (s *Store) Cardinality(_ context.Context, scope string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scopes[scope]), nil
}

// Scopes returns every scope with at least one counter, sorted for
// deterministic iteration.
func (s *Store) Scopes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// FoldArchive folds all buckets strictly before the given bucket into the
// per-item archive bucket.
func (s *Store) FoldArchive(_ context.Context, scope string, before domain.Bucket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	folded := 0
	for _, buckets := range s.scopes[scope] {
		for b, c := range buckets {
			if b != domain.BucketArchive && b < before {
				buckets[domain.BucketArchive] += c
				delete(buckets, b)
				folded++
			}
		}
	}
	return folded, nil
}

// Dump returns every counter for the scope, ordered by item then bucket so
// snapshots are byte-stable.
func (s *Store) Dump(_ context.Context, scope string) ([]counter.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []counter.Record
	for id, buckets := range s.scopes[scope] {
		for b, c := range buckets {
			records = append(records, counter.Record{ItemID: id, Bucket: b, Count: c})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ItemID != records[j].ItemID {
			return records[i].ItemID < records[j].ItemID
		}
		return records[i].Bucket < records[j].Bucket
	})
	return records, nil
}

// Restore replaces the scope's counters with the given records.
func (s *Store) Restore(_ context.Context, scope string, records []counter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make(map[string]map[domain.Bucket]int64)
	for _, r := range records {
		buckets, ok := items[r.ItemID]
		if !ok {
			buckets = make(map[domain.Bucket]int64, 8)
			items[r.ItemID] = buckets
		}
		buckets[r.Bucket] = r.Count
	}
	s.scopes[scope] = items
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
