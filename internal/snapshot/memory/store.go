// Package memory provides an in-memory implementation of the snapshot
// store. Payloads are held serialized, mirroring the durable stores, so
// corruption handling behaves identically in tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"rankstream/internal/metrics"
	"rankstream/internal/snapshot"
)

// version is one stored snapshot payload.
type version struct {
	id      string
	payload []byte
	seq     int64
}

// Store is an in-memory implementation of snapshot.Store.
type Store struct {
	mu      sync.RWMutex
	scopes  map[string][]*version // newest last
	latest  map[string]string     // scope -> version id
	nextSeq int64
}

var _ snapshot.Store = (*Store)(nil)

// NewStore creates a new in-memory snapshot store.
func NewStore() *Store {
	return &Store{
		scopes: make(map[string][]*version),
		latest: make(map[string]string),
	}
}

// Save persists the snapshot and swaps the scope's latest pointer.
func (s *Store) Save(_ context.Context, snap *snapshot.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.scopes[snap.Scope] = append(s.scopes[snap.Scope], &version{
		id:      snap.Version,
		payload: payload,
		seq:     s.nextSeq,
	})
	s.latest[snap.Scope] = snap.Version
	return nil
}

// Latest returns the newest valid snapshot for the scope, walking back
// past corrupt payloads.
func (s *Store) Latest(_ context.Context, scope string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.scopes[scope]
	if len(versions) == 0 {
		return nil, snapshot.ErrNoSnapshot
	}

	corrupt := false
	for i := len(versions) - 1; i >= 0; i-- {
		var snap snapshot.Snapshot
		if err := json.Unmarshal(versions[i].payload, &snap); err != nil || snap.Scope != scope {
			corrupt = true
			continue
		}
		if corrupt {
			metrics.SnapshotFallbacksTotal.WithLabelValues(scope).Inc()
		}
		return &snap, nil
	}
	return nil, snapshot.ErrSnapshotCorrupt
}

// Scopes returns every scope with at least one snapshot, sorted.
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

// GC removes superseded versions beyond the newest keep.
func (s *Store) GC(_ context.Context, scope string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.scopes[scope]
	if len(versions) <= keep {
		return 0, nil
	}
	removed := len(versions) - keep
	s.scopes[scope] = versions[removed:]
	return removed, nil
}

// Corrupt overwrites a stored version's payload, for testing the
// fallback-on-corruption path.
func (s *Store) Corrupt(scope, versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.scopes[scope] {
		if v.id == versionID {
			v.payload = []byte("{truncated")
		}
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
