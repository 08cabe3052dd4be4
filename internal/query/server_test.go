package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"

	"rankstream/internal/counter"
	countermem "rankstream/internal/counter/memory"
	"rankstream/internal/domain"
	"rankstream/internal/tracker"
)

var testNow = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	return Options{
		KMax:                100,
		CandidateMultiplier: 3,
		MinCandidates:       8,
		MaxScanItems:        1000,
		BucketWidth:         time.Hour,
	}
}

func testServer(exact counter.Store, tr *tracker.Tracker) *Server {
	s := NewServer(exact, tr, testOptions(), testLogger())
	s.now = func() time.Time { return testNow }
	return s
}

// seed applies n events for the item: ADDs feed both stores, REMOVEs only
// the counters, mirroring the write path.
func seed(t *testing.T, exact counter.Store, tr *tracker.Tracker, scope, item string, op domain.Op, n int) {
	t.Helper()
	b := domain.BucketOf(testNow, time.Hour)
	for i := 0; i < n; i++ {
		if err := exact.Apply(context.Background(), scope, item, b, op.Delta()); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if op == domain.OpAdd {
			for _, w := range domain.Windows() {
				tr.Observe(scope, w, item)
			}
		}
	}
}

func TestServer_GetTopK_HybridRanksByNetCount(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	// A has the most raw adds but 60 removals push its net count below B.
	// The tracker still ranks A first; the exact re-rank must not.
	seed(t, exact, tr, "global", "A", domain.OpAdd, 150)
	seed(t, exact, tr, "global", "B", domain.OpAdd, 100)
	seed(t, exact, tr, "global", "C", domain.OpAdd, 90)
	seed(t, exact, tr, "global", "A", domain.OpRemove, 60)

	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, 2, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []domain.RankedItem{{ItemID: "B", Count: 100}, {ItemID: "A", Count: 90}}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Items))
	}
	for i := range want {
		if res.Items[i] != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, res.Items[i], want[i])
		}
	}
	if res.Mode != domain.ModeHybrid || res.Partial || res.Stale {
		t.Errorf("result flags = %+v", res)
	}
}

func TestServer_GetTopK_HybridMatchesExactScan(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(64)
	s := testServer(exact, tr)

	// Skewed workload: counts well separated, so the candidate superset
	// is guaranteed to contain the true top K.
	for i := 0; i < 20; i++ {
		seed(t, exact, tr, "global", fmt.Sprintf("item-%02d", i), domain.OpAdd, (20-i)*5)
	}

	hybrid, err := s.GetTopK(context.Background(), "global", domain.Window7d, 10, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("hybrid error: %v", err)
	}
	exactRes, err := s.GetTopK(context.Background(), "global", domain.Window7d, 10, domain.ModeExact)
	if err != nil {
		t.Fatalf("exact error: %v", err)
	}

	if len(hybrid.Items) != len(exactRes.Items) {
		t.Fatalf("hybrid %d items vs exact %d", len(hybrid.Items), len(exactRes.Items))
	}
	for i := range exactRes.Items {
		if hybrid.Items[i] != exactRes.Items[i] {
			t.Errorf("rank %d: hybrid %+v vs exact %+v", i, hybrid.Items[i], exactRes.Items[i])
		}
	}
}

// Hybrid must reproduce the brute-force ranking on a randomized Zipf
// workload where removals push the tracker order (adds only) out of net
// order, with the candidate set at its configured 3k width.
func TestServer_GetTopK_HybridMatchesBruteForce_RandomizedSkew(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(300)
	s := testServer(exact, tr)

	rng := rand.New(rand.NewSource(7))
	zipf := rand.NewZipf(rng, 1.4, 1, 199)
	adds := make(map[string]int64)
	for i := 0; i < 10000; i++ {
		adds[fmt.Sprintf("item-%03d", zipf.Uint64())]++
	}

	removes := make(map[string]int64)
	for item, n := range adds {
		if n >= 100 {
			removes[item] = n / 3
		}
	}

	for item, n := range adds {
		seed(t, exact, tr, "global", item, domain.OpAdd, int(n))
	}
	for item, n := range removes {
		seed(t, exact, tr, "global", item, domain.OpRemove, int(n))
	}

	const k = 20
	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, k, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Brute force over every item's net count.
	var want []domain.RankedItem
	for item, n := range adds {
		if net := n - removes[item]; net > 0 {
			want = append(want, domain.RankedItem{ItemID: item, Count: net})
		}
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].Count != want[j].Count {
			return want[i].Count > want[j].Count
		}
		return want[i].ItemID < want[j].ItemID
	})
	if len(want) > k {
		want = want[:k]
	}

	if len(res.Items) != len(want) {
		t.Fatalf("hybrid returned %d items, brute force %d", len(res.Items), len(want))
	}
	for i := range want {
		if res.Items[i] != want[i] {
			t.Errorf("rank %d: hybrid %+v vs brute force %+v", i, res.Items[i], want[i])
		}
	}
}

func TestServer_GetTopK_DropsNonPositiveCounts(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	seed(t, exact, tr, "global", "A", domain.OpAdd, 5)
	seed(t, exact, tr, "global", "B", domain.OpAdd, 3)
	seed(t, exact, tr, "global", "B", domain.OpRemove, 3)

	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, 10, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ItemID != "A" {
		t.Errorf("items = %+v, want only A", res.Items)
	}
}

func TestServer_GetTopK_InvalidK(t *testing.T) {
	s := testServer(countermem.NewStore(), tracker.New(4))

	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 0, domain.ModeHybrid); !errors.Is(err, ErrInvalidK) {
		t.Errorf("k=0: expected ErrInvalidK, got %v", err)
	}
	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 101, domain.ModeHybrid); !errors.Is(err, ErrInvalidK) {
		t.Errorf("k>max: expected ErrInvalidK, got %v", err)
	}
}

func TestServer_GetTopK_ApproxServesTrackerCounts(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	seed(t, exact, tr, "global", "A", domain.OpAdd, 10)
	seed(t, exact, tr, "global", "A", domain.OpRemove, 4)

	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeApprox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Approx mode reports the add-only tracker count, not the net count.
	if res.Items[0].Count != 10 {
		t.Errorf("approx count = %d, want tracker count 10", res.Items[0].Count)
	}
	if res.Mode != domain.ModeApprox {
		t.Errorf("mode = %s, want approx", res.Mode)
	}
}

func TestServer_GetTopK_ExactRejectsLargeScope(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := NewServer(exact, tr, Options{
		KMax:                100,
		CandidateMultiplier: 3,
		MinCandidates:       8,
		MaxScanItems:        5,
		BucketWidth:         time.Hour,
	}, testLogger())
	s.now = func() time.Time { return testNow }

	for i := 0; i < 10; i++ {
		seed(t, exact, tr, "global", fmt.Sprintf("item-%d", i), domain.OpAdd, 1)
	}

	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 3, domain.ModeExact); !errors.Is(err, ErrScopeTooLarge) {
		t.Errorf("expected ErrScopeTooLarge, got %v", err)
	}

	// Hybrid still works: its cost scales with the candidate set.
	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 3, domain.ModeHybrid); err != nil {
		t.Errorf("hybrid on large scope failed: %v", err)
	}
}

func TestServer_GetTopK_ColdTrackerFallsBackToScan(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	// Counters exist but the tracker is empty, as after a restart before
	// any rebuild.
	b := domain.BucketOf(testNow, time.Hour)
	_ = exact.Apply(context.Background(), "global", "A", b, 5)
	_ = exact.Apply(context.Background(), "global", "B", b, 3)

	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, 2, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != domain.ModeExact {
		t.Errorf("mode = %s, want exact fallback", res.Mode)
	}
	if len(res.Items) != 2 || res.Items[0].ItemID != "A" {
		t.Errorf("items = %+v", res.Items)
	}
}

// brokenStore fails every read, simulating a lost counter backend.
type brokenStore struct {
	counter.Store
}

func (b *brokenStore) WindowSum(context.Context, string, []string, domain.Bucket, domain.Bucket) (map[string]int64, error) {
	return nil, errors.New("backend down")
}

func (b *brokenStore) ScanScope(context.Context, string, domain.Bucket, domain.Bucket, int) (map[string]int64, error) {
	return nil, errors.New("backend down")
}

func TestServer_GetTopK_ServesStaleOnBackendFailure(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	seed(t, exact, tr, "global", "A", domain.OpAdd, 5)

	// Prime the last-known-good cache.
	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeHybrid); err != nil {
		t.Fatalf("priming query failed: %v", err)
	}

	s.exact = &brokenStore{Store: exact}

	res, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("expected stale result, got error: %v", err)
	}
	if !res.Stale {
		t.Error("result should be flagged stale")
	}
	if len(res.Items) != 1 || res.Items[0].ItemID != "A" {
		t.Errorf("stale items = %+v", res.Items)
	}
}

func TestServer_GetTopK_UnavailableWithoutCache(t *testing.T) {
	s := testServer(&brokenStore{}, tracker.New(16))

	tr := tracker.New(16)
	tr.Observe("global", domain.Window1d, "A")
	s.tracker = tr

	_, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeHybrid)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestServer_GetTopK_TimeoutReturnsPartial(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	seed(t, exact, tr, "global", "A", domain.OpAdd, 5)
	s.exact = &brokenStore{Store: exact}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.GetTopK(ctx, "global", domain.Window1d, 1, domain.ModeHybrid)
	if err != nil {
		t.Fatalf("expected partial result, got error: %v", err)
	}
	if !res.Partial {
		t.Error("result should be flagged partial")
	}
	// The partial ranking comes from the tracker.
	if len(res.Items) != 1 || res.Items[0].Count != 5 {
		t.Errorf("partial items = %+v", res.Items)
	}
}

func TestServer_MarkDirty_DropsCachedScope(t *testing.T) {
	exact := countermem.NewStore()
	tr := tracker.New(16)
	s := testServer(exact, tr)

	seed(t, exact, tr, "global", "A", domain.OpAdd, 5)
	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeHybrid); err != nil {
		t.Fatalf("priming query failed: %v", err)
	}

	s.MarkDirty("global")

	s.exact = &brokenStore{Store: exact}
	if _, err := s.GetTopK(context.Background(), "global", domain.Window1d, 1, domain.ModeHybrid); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after MarkDirty, got %v", err)
	}
}
