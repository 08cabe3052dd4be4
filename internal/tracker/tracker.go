// Package tracker implements the heavy-hitter candidate tracker: a
// bounded-memory space-saving counter table per (scope, window) that cheaply
// proposes a superset of likely top-K items. The table is add-biased and
// never decrements on removal events; removal correctness is deferred
// entirely to the exact count store at query time.
package tracker

import (
	"container/heap"
	"sort"
	"sync"

	"rankstream/internal/domain"
	"rankstream/internal/metrics"
)

// entry is one tracked item with its approximate count.
type entry struct {
	item  string
	count int64
	index int // position in the min-heap
}

// entryHeap is a min-heap of entries ordered by count.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].count < h[j].count }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// table is one fixed-capacity space-saving counter table.
type table struct {
	capacity int
	entries  map[string]*entry
	min      entryHeap
}

func newTable(capacity int) *table {
	t := &table{
		capacity: capacity,
		entries:  make(map[string]*entry, capacity),
	}
	heap.Init(&t.min)
	return t
}

// observe registers n occurrences of item. When the table is full and the
// item is new, the minimum-count entry is evicted and the new item inherits
// its count plus n. This bounds overestimation to N/C, where N is the total
// number of observations and C the table capacity.
func (t *table) observe(item string, n int64) {
	if e, ok := t.entries[item]; ok {
		e.count += n
		heap.Fix(&t.min, e.index)
		return
	}

	if len(t.entries) < t.capacity {
		e := &entry{item: item, count: n}
		t.entries[item] = e
		heap.Push(&t.min, e)
		return
	}

	// Full: replace the minimum-count entry in place.
	e := t.min[0]
	delete(t.entries, e.item)
	e.item = item
	e.count += n
	t.entries[item] = e
	heap.Fix(&t.min, 0)
}

// candidates returns up to m items ranked by approximate count descending.
// The result is a fresh slice so readers never alias tracker internals.
func (t *table) candidates(m int) []domain.RankedItem {
	out := make([]domain.RankedItem, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, domain.RankedItem{ItemID: e.item, Count: e.count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > m {
		out = out[:m]
	}
	return out
}

// key identifies one candidate table.
type key struct {
	scope  string
	window domain.Window
}

// Tracker holds the candidate tables for all (scope, window) pairs.
// Writes for a given scope arrive from a single worker, but reads and
// writes across scopes are concurrent, so the table map and the tables
// themselves are guarded by one RWMutex; reads copy out.
type Tracker struct {
	mu       sync.RWMutex
	capacity int
	tables   map[key]*table
}

// New creates a tracker whose tables hold capacity entries each. Capacity
// should be at least 3x the requested top-K ceiling to keep the
// false-negative rate for true top-K items acceptably low.
func New(capacity int) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker{
		capacity: capacity,
		tables:   make(map[key]*table),
	}
}

// Observe registers one occurrence of item in the (scope, window) table.
func (tr *Tracker) Observe(scope string, w domain.Window, item string) {
	tr.ObserveN(scope, w, item, 1)
}

// ObserveN registers n occurrences at once, used when the workers coalesce
// deltas under backpressure.
func (tr *Tracker) ObserveN(scope string, w domain.Window, item string, n int64) {
	if n <= 0 {
		return
	}
	tr.mu.Lock()
	k := key{scope: scope, window: w}
	t, ok := tr.tables[k]
	if !ok {
		t = newTable(tr.capacity)
		tr.tables[k] = t
	}
	t.observe(item, n)
	size := len(t.entries)
	tr.mu.Unlock()

	metrics.TrackerEntries.WithLabelValues(scope, string(w)).Set(float64(size))
}

// Candidates returns up to m items for (scope, window) ranked by
// approximate score. Returns nil if the table does not exist.
func (tr *Tracker) Candidates(scope string, w domain.Window, m int) []domain.RankedItem {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	t, ok := tr.tables[key{scope: scope, window: w}]
	if !ok {
		return nil
	}
	return t.candidates(m)
}

// Len returns the number of entries in the (scope, window) table.
func (tr *Tracker) Len(scope string, w domain.Window) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	t, ok := tr.tables[key{scope: scope, window: w}]
	if !ok {
		return 0
	}
	return len(t.entries)
}

// Seed replaces the (scope, window) table with the given exact counts,
// used when rebuilding tracker state from the exact count store after
// data loss. Only positive counts are admitted.
func (tr *Tracker) Seed(scope string, w domain.Window, counts map[string]int64) {
	t := newTable(tr.capacity)
	for item, c := range counts {
		if c > 0 {
			t.observe(item, c)
		}
	}

	tr.mu.Lock()
	tr.tables[key{scope: scope, window: w}] = t
	size := len(t.entries)
	tr.mu.Unlock()

	metrics.TrackerEntries.WithLabelValues(scope, string(w)).Set(float64(size))
}
