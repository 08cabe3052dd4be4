// Package reconcile handles late events: deltas for buckets that closed
// beyond the lateness tolerance but within the reconcile horizon. Late
// deltas are applied to their historical bucket in the exact count store
// only; the candidate tracker is add-only and not corrected for lateness.
package reconcile

import (
	"context"
	"log/slog"

	"rankstream/internal/domain"
	"rankstream/internal/metrics"
	"rankstream/internal/worker"
)

// DirtyMarker is notified when a scope's historical counts change so that
// any cached rolling-window results can be recomputed on next read.
type DirtyMarker interface {
	MarkDirty(scope string)
}

// Reconciler routes late events into the aggregation pipeline.
type Reconciler struct {
	pool   *worker.Pool
	dirty  DirtyMarker
	logger *slog.Logger
}

// New creates a reconciler submitting through the given worker pool.
func New(pool *worker.Pool, dirty DirtyMarker, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		pool:   pool,
		dirty:  dirty,
		logger: logger,
	}
}

// Reconcile applies a late event's delta to its historical bucket and
// marks the scope's cached window sums dirty. The log offset travels with
// the op so the snapshot marker advances once the delta is applied.
func (r *Reconciler) Reconcile(ctx context.Context, ev *domain.Event, bucket domain.Bucket, offset int64) error {
	err := r.pool.Submit(ctx, worker.Op{
		Scope:  ev.Scope,
		ItemID: ev.ItemID,
		Bucket: bucket,
		Delta:  ev.Op.Delta(),
		Offset: offset,
	})
	if err != nil {
		return err
	}

	metrics.ReconciledEventsTotal.WithLabelValues(ev.Scope).Inc()
	if r.dirty != nil {
		r.dirty.MarkDirty(ev.Scope)
	}

	r.logger.Debug("reconciled late event",
		"eventId", ev.EventID,
		"scope", ev.Scope,
		"bucket", bucket,
	)
	return nil
}
