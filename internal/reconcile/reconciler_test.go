package reconcile

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	countermem "rankstream/internal/counter/memory"
	"rankstream/internal/domain"
	"rankstream/internal/tracker"
	"rankstream/internal/worker"
)

type dirtyRecorder struct {
	scopes []string
}

func (d *dirtyRecorder) MarkDirty(scope string) {
	d.scopes = append(d.scopes, scope)
}

func TestReconciler_AppliesToHistoricalBucketOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	exact := countermem.NewStore()
	tr := tracker.New(16)
	pool := worker.NewPool(1, 64, 8, exact, tr, domain.Windows(), nil, logger)
	dirty := &dirtyRecorder{}
	rec := New(pool, dirty, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	lateBucket := domain.BucketOf(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC), time.Hour)
	ev := &domain.Event{
		EventID: "evt-late",
		TS:      time.Date(2025, 6, 1, 3, 15, 0, 0, time.UTC),
		Scope:   "global",
		ItemID:  "item-1",
		Op:      domain.OpAdd,
	}
	if err := rec.Reconcile(ctx, ev, lateBucket, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sums, _ := exact.WindowSum(ctx, "global", []string{"item-1"}, lateBucket, lateBucket)
		if sums["item-1"] == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sums, _ := exact.WindowSum(ctx, "global", []string{"item-1"}, lateBucket, lateBucket)
	if sums["item-1"] != 1 {
		t.Errorf("historical bucket count = %d, want 1", sums["item-1"])
	}

	// The tracker is add-only and never corrected for lateness.
	if n := tr.Len("global", domain.Window1d); n != 0 {
		t.Errorf("tracker entries = %d, want 0 after late event", n)
	}

	if len(dirty.scopes) != 1 || dirty.scopes[0] != "global" {
		t.Errorf("dirty scopes = %v, want [global]", dirty.scopes)
	}
}
