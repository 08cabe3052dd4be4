// Package memory provides an in-memory implementation of the dedup store.
// Expiration is lazy: stale IDs are purged opportunistically on insert.
package memory

import (
	"context"
	"sync"
	"time"

	"rankstream/internal/dedup"
)

// purgeEvery bounds how often a full sweep of expired entries runs.
const purgeEvery = 4096

// Store is an in-memory implementation of dedup.Store.
type Store struct {
	mu      sync.Mutex
	applied map[string]time.Time
	horizon time.Duration
	inserts int
	now     func() time.Time
}

var _ dedup.Store = (*Store)(nil)

// NewStore creates a new in-memory dedup store retaining IDs for the
// given horizon.
func NewStore(horizon time.Duration) *Store {
	return &Store{
		applied: make(map[string]time.Time),
		horizon: horizon,
		now:     time.Now,
	}
}

// MarkApplied records eventID as applied. Returns true on first sight.
func (s *Store) MarkApplied(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.applied[eventID]; ok && now.Sub(at) < s.horizon {
		return false, nil
	}

	s.applied[eventID] = now
	s.inserts++
	if s.inserts%purgeEvery == 0 {
		s.purgeLocked(now)
	}
	return true, nil
}

// purgeLocked removes entries older than the horizon. Caller holds s.mu.
func (s *Store) purgeLocked(now time.Time) {
	for id, at := range s.applied {
		if now.Sub(at) >= s.horizon {
			delete(s.applied, id)
		}
	}
}

// Size returns the number of retained IDs.
func (s *Store) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.applied)), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
