// Package dedup provides the idempotency cache that absorbs at-least-once
// redelivery from the event log. Applied event IDs are retained for a
// bounded horizon covering the maximum expected replay window.
package dedup

import (
	"context"
)

// Store records applied event IDs. All methods must be safe for
// concurrent use; MarkApplied must behave as an atomic insert-if-absent
// so that concurrent deliveries of the same event resolve to exactly one
// first application.
type Store interface {
	// MarkApplied records eventID as applied. Returns true if this is the
	// first time the ID has been seen within the retention horizon.
	MarkApplied(ctx context.Context, eventID string) (bool, error)

	// Size returns an estimate of the number of retained IDs.
	Size(ctx context.Context) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
