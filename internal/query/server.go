// Package query implements the hybrid top-K serving path: fetch a
// candidate superset from the bounded-memory tracker, resolve exact counts
// for exactly those candidates, and return the top K ranked by
// authoritative counts. Cost is proportional to the candidate set size,
// never the scope's total item count, and the returned ranking is exact
// for whatever it contains.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"rankstream/internal/counter"
	"rankstream/internal/domain"
	"rankstream/internal/metrics"
	"rankstream/internal/tracker"
)

// Typed query errors. Callers receive enough detail to pick another mode.
var (
	// ErrInvalidK is returned when k is not in [1, KMax].
	ErrInvalidK = errors.New("k must be between 1 and the configured maximum")

	// ErrScopeTooLarge means an exact scan would exceed the cardinality
	// ceiling; the caller should use hybrid or approx mode instead.
	ErrScopeTooLarge = errors.New("scope too large for exact mode; use hybrid or approx")

	// ErrUnavailable means neither the tracker nor the exact store can
	// satisfy the query and no previous result is cached. Retry after the
	// candidate set is rebuilt or a snapshot is recovered.
	ErrUnavailable = errors.New("ranking temporarily unavailable; retry later")
)

// Result is the response to a top-K query.
type Result struct {
	Items            []domain.RankedItem `json:"items"`
	AsOf             time.Time           `json:"asOf"`
	Mode             domain.QueryMode    `json:"mode"`
	CandidateSetSize int                 `json:"candidateSetSize"`

	// Partial is set when the query timed out and the ranking was cut
	// short; counts may be approximate.
	Partial bool `json:"partial,omitempty"`

	// Stale is set when the result was served from the last known good
	// ranking because a dependency was unavailable.
	Stale bool `json:"stale,omitempty"`
}

// Options carries the serving-path tuning knobs.
type Options struct {
	KMax                int
	CandidateMultiplier int
	MinCandidates       int
	MaxScanItems        int
	BucketWidth         time.Duration
}

// lastKey indexes the last-known-good cache.
type lastKey struct {
	scope  string
	window domain.Window
}

// Server answers top-K queries. Reads run concurrently with writes; the
// tracker copies candidates out and the count store serves point reads, so
// queries never block the scope workers.
type Server struct {
	exact   counter.Store
	tracker *tracker.Tracker
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	lastGood map[lastKey]*Result
}

// NewServer creates a query server.
func NewServer(exact counter.Store, tr *tracker.Tracker, opts Options, logger *slog.Logger) *Server {
	return &Server{
		exact:    exact,
		tracker:  tr,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		lastGood: make(map[lastKey]*Result),
	}
}

// MarkDirty drops cached results for a scope after late-event
// reconciliation changed its historical counts.
func (s *Server) MarkDirty(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.lastGood {
		if k.scope == scope {
			delete(s.lastGood, k)
		}
	}
}

// GetTopK returns the top k items for (scope, window) using the given
// mode. Read-only; safe for concurrent use.
func (s *Server) GetTopK(ctx context.Context, scope string, w domain.Window, k int, mode domain.QueryMode) (*Result, error) {
	if k < 1 || k > s.opts.KMax {
		return nil, fmt.Errorf("%w (k=%d, max=%d)", ErrInvalidK, k, s.opts.KMax)
	}

	start := s.now()
	res, err := s.serve(ctx, scope, w, k, mode)
	metrics.QueryLatency.WithLabelValues(string(mode)).Observe(s.now().Sub(start).Seconds())
	metrics.QueriesTotal.WithLabelValues(string(mode), outcome(res, err)).Inc()
	return res, err
}

// outcome maps a query result to a metric label.
func outcome(res *Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Partial:
		return "partial"
	case res.Stale:
		return "stale"
	default:
		return "ok"
	}
}

func (s *Server) serve(ctx context.Context, scope string, w domain.Window, k int, mode domain.QueryMode) (*Result, error) {
	switch mode {
	case domain.ModeApprox:
		return s.approx(scope, w, k), nil
	case domain.ModeExact:
		return s.exactScan(ctx, scope, w, k)
	default:
		return s.hybrid(ctx, scope, w, k)
	}
}

// approx serves tracker candidates directly, untyped as exact: fastest,
// may be wrong by small margins or include stale entries.
func (s *Server) approx(scope string, w domain.Window, k int) *Result {
	items := s.tracker.Candidates(scope, w, k)
	return &Result{
		Items:            items,
		AsOf:             s.now(),
		Mode:             domain.ModeApprox,
		CandidateSetSize: s.tracker.Len(scope, w),
	}
}

// exactScan serves a full-scope exact ranking, bounded by the cardinality
// ceiling.
func (s *Server) exactScan(ctx context.Context, scope string, w domain.Window, k int) (*Result, error) {
	from, to := w.Range(s.now(), s.opts.BucketWidth)
	sums, err := s.exact.ScanScope(ctx, scope, from, to, s.opts.MaxScanItems)
	if err != nil {
		if errors.Is(err, counter.ErrScopeTooLarge) {
			return nil, ErrScopeTooLarge
		}
		return nil, fmt.Errorf("exact scan failed: %w", err)
	}

	res := &Result{
		Items:            rank(sums, k),
		AsOf:             s.now(),
		Mode:             domain.ModeExact,
		CandidateSetSize: len(sums),
	}
	s.remember(scope, w, res)
	return res, nil
}

// hybrid is the primary serving path: tracker candidates re-ranked by
// authoritative counts.
func (s *Server) hybrid(ctx context.Context, scope string, w domain.Window, k int) (*Result, error) {
	m := s.opts.CandidateMultiplier * k
	if m < s.opts.MinCandidates {
		m = s.opts.MinCandidates
	}

	cands := s.tracker.Candidates(scope, w, m)
	if len(cands) == 0 {
		// Tracker lost or cold; degrade to an exact scan when the scope
		// fits under the ceiling, else serve the last known good result.
		return s.degrade(ctx, scope, w, k)
	}
	metrics.CandidateSetSize.Observe(float64(len(cands)))

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ItemID
	}

	from, to := w.Range(s.now(), s.opts.BucketWidth)
	sums, err := s.exact.WindowSum(ctx, scope, ids, from, to)
	if err != nil {
		if ctx.Err() != nil {
			// Timed out mid-resolution: return the approximate ranking
			// rather than failing outright.
			res := s.approx(scope, w, k)
			res.Mode = domain.ModeHybrid
			res.Partial = true
			return res, nil
		}
		return s.degradeWith(scope, w, fmt.Errorf("window sum failed: %w", err))
	}

	res := &Result{
		Items:            rank(sums, k),
		AsOf:             s.now(),
		Mode:             domain.ModeHybrid,
		CandidateSetSize: len(cands),
	}
	s.remember(scope, w, res)
	return res, nil
}

// degrade serves a hybrid query when the tracker has no candidates.
func (s *Server) degrade(ctx context.Context, scope string, w domain.Window, k int) (*Result, error) {
	res, err := s.exactScan(ctx, scope, w, k)
	if err == nil {
		return res, nil
	}
	return s.degradeWith(scope, w, err)
}

// degradeWith falls back to the last known good result for the scope, or
// reports unavailability when there is none.
func (s *Server) degradeWith(scope string, w domain.Window, cause error) (*Result, error) {
	s.mu.RLock()
	last := s.lastGood[lastKey{scope: scope, window: w}]
	s.mu.RUnlock()

	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, cause)
	}

	s.logger.Warn("serving stale ranking", "scope", scope, "window", w, "error", cause)
	stale := *last
	stale.Stale = true
	return &stale, nil
}

// remember caches the last good result for degraded serving.
func (s *Server) remember(scope string, w domain.Window, res *Result) {
	s.mu.Lock()
	s.lastGood[lastKey{scope: scope, window: w}] = res
	s.mu.Unlock()
}

// rank sorts items by exact count descending (itemID ascending on ties for
// determinism), drops non-positive counts, and truncates to k.
func rank(sums map[string]int64, k int) []domain.RankedItem {
	items := make([]domain.RankedItem, 0, len(sums))
	for id, c := range sums {
		if c > 0 {
			items = append(items, domain.RankedItem{ItemID: id, Count: c})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].ItemID < items[j].ItemID
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}
