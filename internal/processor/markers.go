package processor

import "sync"

// Markers tracks, per scope, the highest log offset whose effects have
// been applied to the stores. The worker pool advances it after each
// successful apply, snapshots record it, and recovery seeds it back from
// the restored snapshot. Advancing only after the apply keeps the marker
// a lower bound: a snapshot taken at marker M always contains every
// offset up to M, so replay from M can only redeliver, never skip.
type Markers struct {
	mu      sync.RWMutex
	offsets map[string]int64
}

// NewMarkers creates an empty marker registry.
func NewMarkers() *Markers {
	return &Markers{offsets: make(map[string]int64)}
}

// Marker returns the last applied log offset for a scope, or -1 when no
// event for the scope has been applied yet.
func (m *Markers) Marker(scope string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset, ok := m.offsets[scope]; ok {
		return offset
	}
	return -1
}

// Advance records offset as applied for the scope. Offsets never move
// backwards, so out-of-order applies from coalesced batches are safe.
func (m *Markers) Advance(scope string, offset int64) {
	if offset < 0 {
		return
	}
	m.mu.Lock()
	if cur, ok := m.offsets[scope]; !ok || offset > cur {
		m.offsets[scope] = offset
	}
	m.mu.Unlock()
}
