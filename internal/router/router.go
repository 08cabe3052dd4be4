// Package router validates, deduplicates, and classifies incoming events
// before they reach the aggregation pipeline. On-time events fan out to
// both the exact count store and the candidate tracker; late events go to
// the aggregator only, via the reconciler; expired events are dropped.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rankstream/internal/dedup"
	"rankstream/internal/domain"
	"rankstream/internal/metrics"
)

// ErrInvalidEvent wraps validation failures for malformed events. Such
// events are logged and dropped, never retried.
var ErrInvalidEvent = errors.New("invalid event")

// Class is the routing classification of an event.
type Class int

const (
	// OnTime events fall in the current bucket or one closed within the
	// lateness tolerance; they update both the aggregator and the tracker.
	OnTime Class = iota
	// Late events fall in a bucket closed beyond tolerance but within the
	// reconcile horizon; they update the aggregator only.
	Late
	// Expired events are older than the reconcile horizon and are dropped.
	Expired
	// Duplicate events were already applied; a no-op outcome, not an error.
	Duplicate
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case OnTime:
		return "on_time"
	case Late:
		return "late"
	case Expired:
		return "expired"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Decision is the routing outcome for a single event.
type Decision struct {
	Class  Class
	Bucket domain.Bucket
}

// Router assigns incoming events to (scope, bucket) partitions.
type Router struct {
	dedup     dedup.Store
	width     time.Duration
	tolerance time.Duration
	horizon   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a router. Tolerance is the on-time grace after a bucket
// closes; horizon bounds how old an event may be and still be reconciled.
func New(dedupStore dedup.Store, width, tolerance, horizon time.Duration, logger *slog.Logger) *Router {
	return &Router{
		dedup:     dedupStore,
		width:     width,
		tolerance: tolerance,
		horizon:   horizon,
		logger:    logger,
		now:       time.Now,
	}
}

// Route validates and classifies one event. Malformed events return an
// error wrapping ErrInvalidEvent; every other outcome is a Decision.
func (r *Router) Route(ctx context.Context, ev *domain.Event) (Decision, error) {
	if err := ev.Validate(); err != nil {
		metrics.EventsInvalidTotal.Inc()
		return Decision{}, fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}

	metrics.EventsReceivedTotal.WithLabelValues(ev.Scope, string(ev.Op)).Inc()

	first, err := r.dedup.MarkApplied(ctx, ev.EventID)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup check failed: %w", err)
	}
	if !first {
		metrics.EventsDuplicateTotal.WithLabelValues(ev.Scope).Inc()
		return Decision{Class: Duplicate}, nil
	}

	bucket := domain.BucketOf(ev.TS, r.width)
	now := r.now()

	age := now.Sub(ev.TS)
	if age > r.horizon {
		metrics.EventsExpiredTotal.WithLabelValues(ev.Scope).Inc()
		r.logger.Warn("dropping expired event",
			"eventId", ev.EventID,
			"scope", ev.Scope,
			"age", age,
		)
		return Decision{Class: Expired, Bucket: bucket}, nil
	}

	closedFor := now.Sub(bucket.End(r.width))
	if closedFor > r.tolerance {
		metrics.EventsLateTotal.WithLabelValues(ev.Scope).Inc()
		return Decision{Class: Late, Bucket: bucket}, nil
	}

	return Decision{Class: OnTime, Bucket: bucket}, nil
}
