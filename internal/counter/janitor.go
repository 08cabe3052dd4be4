package counter

import (
	"context"
	"log/slog"
	"time"

	"rankstream/internal/domain"
	"rankstream/internal/metrics"
)

// Janitor periodically folds buckets older than the maximum supported
// window into the per-item archive bucket, bounding storage growth while
// keeping all-time sums correct. It also refreshes the per-scope
// cardinality gauges.
type Janitor struct {
	store     Store
	width     time.Duration
	maxWindow time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor folding buckets older than maxWindow.
func NewJanitor(store Store, width, maxWindow, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		width:     width,
		maxWindow: maxWindow,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run folds expired buckets on the configured interval until ctx is
// canceled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep folds expired buckets across all scopes.
func (j *Janitor) sweep(ctx context.Context) {
	scopes, err := j.store.Scopes(ctx)
	if err != nil {
		j.logger.Error("failed to list scopes for archive fold", "error", err)
		return
	}

	cutoff := domain.BucketOf(j.now().Add(-j.maxWindow), j.width)
	for _, scope := range scopes {
		folded, err := j.store.FoldArchive(ctx, scope, cutoff)
		if err != nil {
			j.logger.Error("archive fold failed", "error", err, "scope", scope)
			continue
		}
		if folded > 0 {
			j.logger.Info("folded expired buckets", "scope", scope, "buckets", folded)
		}

		if card, err := j.store.Cardinality(ctx, scope); err == nil {
			metrics.ScopeCardinality.WithLabelValues(scope).Set(float64(card))
		}
	}
}
