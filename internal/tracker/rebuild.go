package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rankstream/internal/counter"
	"rankstream/internal/domain"
)

// Rebuilder recomputes candidate tables from the exact count store. Used
// after tracker data loss (the tables are disposable), at the cost of
// temporary ranking degradation while the scan runs.
type Rebuilder struct {
	exact    counter.Store
	tracker  *Tracker
	width    time.Duration
	maxItems int
	logger   *slog.Logger
	now      func() time.Time
}

// NewRebuilder creates a rebuilder bounded by the same cardinality ceiling
// as exact-mode queries.
func NewRebuilder(exact counter.Store, tracker *Tracker, width time.Duration, maxItems int, logger *slog.Logger) *Rebuilder {
	return &Rebuilder{
		exact:    exact,
		tracker:  tracker,
		width:    width,
		maxItems: maxItems,
		logger:   logger,
		now:      time.Now,
	}
}

// Rebuild recomputes the (scope, window) table by scanning the scope's
// recent buckets. Returns the number of items seeded.
func (r *Rebuilder) Rebuild(ctx context.Context, scope string, w domain.Window) (int, error) {
	from, to := w.Range(r.now(), r.width)
	counts, err := r.exact.ScanScope(ctx, scope, from, to, r.maxItems)
	if err != nil {
		return 0, fmt.Errorf("failed to scan scope for rebuild: %w", err)
	}

	r.tracker.Seed(scope, w, counts)
	seeded := r.tracker.Len(scope, w)

	r.logger.Info("rebuilt candidate table",
		"scope", scope,
		"window", w,
		"scanned", len(counts),
		"seeded", seeded,
	)
	return seeded, nil
}
