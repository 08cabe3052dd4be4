// Package counter defines the exact count store: the authoritative signed
// counters keyed by (scope, itemId, bucket). Summing an item's counters over
// a window's bucket range yields its true net count for that window, given
// every event has been applied exactly once.
package counter

import (
	"context"
	"errors"

	"rankstream/internal/domain"
)

// ErrScopeTooLarge is returned by full-scope scans when the scope's
// cardinality exceeds the configured ceiling.
var ErrScopeTooLarge = errors.New("scope cardinality exceeds exact scan ceiling")

// Record is one persisted counter, the unit of snapshot serialization.
type Record struct {
	ItemID string        `json:"itemId"`
	Bucket domain.Bucket `json:"bucket"`
	Count  int64         `json:"count"`
}

// Store is the exact count store. Apply is idempotent once events are
// deduplicated upstream. WindowSum never scans the full keyspace; it is
// called only for the small candidate set proposed by the tracker.
// All methods must be safe for concurrent use.
type Store interface {
	// Apply adds delta to the counter for (scope, itemID, bucket).
	Apply(ctx context.Context, scope, itemID string, bucket domain.Bucket, delta int64) error

	// WindowSum returns the net count per given item over the inclusive
	// bucket range [from, to]. Items with no counters in range map to 0.
	WindowSum(ctx context.Context, scope string, itemIDs []string, from, to domain.Bucket) (map[string]int64, error)

	// ScanScope sums every item in the scope over [from, to]. If the scope
	// holds more than maxItems distinct items it returns ErrScopeTooLarge.
	ScanScope(ctx context.Context, scope string, from, to domain.Bucket, maxItems int) (map[string]int64, error)

	// Cardinality returns the number of distinct items with counters in
	// the scope.
	Cardinality(ctx context.Context, scope string) (int, error)

	// Scopes returns every scope with at least one counter.
	Scopes(ctx context.Context) ([]string, error)

	// FoldArchive folds all buckets strictly before the given bucket into
	// the per-item archive bucket, losing sub-window resolution. Returns
	// the number of buckets folded.
	FoldArchive(ctx context.Context, scope string, before domain.Bucket) (int, error)

	// Dump returns every counter for the scope, for snapshotting.
	Dump(ctx context.Context, scope string) ([]Record, error)

	// Restore replaces the scope's counters with the given records.
	Restore(ctx context.Context, scope string, records []Record) error

	// Close releases any resources held by the store.
	Close() error
}
