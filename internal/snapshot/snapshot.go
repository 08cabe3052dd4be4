// Package snapshot persists point-in-time serializations of the exact
// counters so a restarted instance can recover state and replay only the
// log tail. Snapshots are versioned; a partially-written snapshot is never
// read because the latest-version pointer is swapped only after the
// payload is fully written.
package snapshot

import (
	"context"
	"errors"
	"time"

	"rankstream/internal/counter"
)

// Typed snapshot errors.
var (
	// ErrNoSnapshot means no valid snapshot exists for the scope.
	ErrNoSnapshot = errors.New("no snapshot for scope")

	// ErrSnapshotCorrupt means a stored payload failed to deserialize.
	// Stores fall back to the prior valid version automatically; this
	// error surfaces only when every version is unreadable.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// Snapshot is a versioned point-in-time serialization of a scope's
// counters, tagged with the last applied log offset.
type Snapshot struct {
	Scope       string           `json:"scope"`
	Version     string           `json:"snapshotVersion"`
	LastApplied int64            `json:"lastAppliedMarker"`
	TakenAt     time.Time        `json:"takenAt"`
	Counters    []counter.Record `json:"counters"`
}

// Store persists snapshots. Save must be atomic with respect to Latest:
// a reader sees either the previous version or the complete new one.
type Store interface {
	// Save persists the snapshot and swaps the scope's latest pointer.
	Save(ctx context.Context, snap *Snapshot) error

	// Latest returns the newest valid snapshot for the scope, skipping
	// past corrupt versions. Returns ErrNoSnapshot when none exists.
	Latest(ctx context.Context, scope string) (*Snapshot, error)

	// Scopes returns every scope with at least one snapshot.
	Scopes(ctx context.Context) ([]string, error)

	// GC removes superseded versions beyond the newest keep, never
	// removing the current latest. Returns the number removed.
	GC(ctx context.Context, scope string, keep int) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
