// Package worker implements the single-writer-per-scope discipline: all
// mutating operations for a scope are serialized through one mailbox, so
// the count store and tracker never need fine-grained locking against
// concurrent writers. Scopes are spread across shards by hash; distinct
// scopes proceed in parallel.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"rankstream/internal/counter"
	"rankstream/internal/domain"
	"rankstream/internal/metrics"
	"rankstream/internal/tracker"
)

// Op is one mutating operation bound for a scope worker.
type Op struct {
	Scope  string
	ItemID string
	Bucket domain.Bucket
	Delta  int64

	// Observe is set for on-time events, which also feed the candidate
	// tracker. Late reconciliation ops leave it unset: the tracker is
	// add-only and is never corrected for lateness.
	Observe bool

	// Occurrences is how many events this op represents; coalesced ops
	// carry the merged total so tracker observation weights stay correct.
	Occurrences int64

	// Offset is the log position of the newest event folded into this op.
	// It is reported to the marker sink only after a successful apply, so
	// snapshot markers never claim offsets whose deltas are still pending.
	Offset int64
}

// MarkerSink records the highest applied log offset per scope.
type MarkerSink interface {
	Advance(scope string, offset int64)
}

// Pool runs the scope-sharded writer goroutines.
type Pool struct {
	shards    []*shard
	exact     counter.Store
	tracker   *tracker.Tracker
	windows   []domain.Window
	highWater int
	markers   MarkerSink
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// shard owns the mailbox for a subset of scopes.
type shard struct {
	id      int
	mailbox chan Op
}

// NewPool creates a pool of n scope-shard workers with the given mailbox
// capacity. When a mailbox backs up past highWater, same-key deltas are
// batched into combined updates before applying; events are never dropped.
// A nil markers sink disables offset reporting.
func NewPool(n, mailboxSize, highWater int, exact counter.Store, tr *tracker.Tracker, windows []domain.Window, markers MarkerSink, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		exact:     exact,
		tracker:   tr,
		windows:   windows,
		highWater: highWater,
		markers:   markers,
		logger:    logger,
	}
	for i := 0; i < n; i++ {
		p.shards = append(p.shards, &shard{
			id:      i,
			mailbox: make(chan Op, mailboxSize),
		})
	}
	return p
}

// Start launches the shard workers. They run until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for _, sh := range p.shards {
		p.wg.Add(1)
		go func(sh *shard) {
			defer p.wg.Done()
			p.run(ctx, sh)
		}(sh)
	}
}

// Wait blocks until all shard workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit routes the op to its scope's shard. Blocks when the mailbox is
// full until space frees or ctx is canceled; backpressure is bounded by
// the coalescing drain on the consumer side.
func (p *Pool) Submit(ctx context.Context, op Op) error {
	if op.Occurrences == 0 {
		op.Occurrences = 1
	}
	sh := p.shards[shardFor(op.Scope, len(p.shards))]
	select {
	case sh.mailbox <- op:
		metrics.WorkerMailboxDepth.WithLabelValues(strconv.Itoa(sh.id)).Set(float64(len(sh.mailbox)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker submit canceled: %w", ctx.Err())
	}
}

// shardFor hashes a scope onto a shard index.
func shardFor(scope string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	return int(h.Sum32() % uint32(n))
}

// run is the shard loop: receive one op, and when the mailbox is deep,
// drain and coalesce a batch before touching the stores.
func (p *Pool) run(ctx context.Context, sh *shard) {
	for {
		select {
		case <-ctx.Done():
			// Ops already accepted into the mailbox were acked upstream
			// and marked in the dedup store; apply them before exiting so
			// they are not lost to a redelivery that dedup would absorb.
			p.drainRemaining(context.WithoutCancel(ctx), sh)
			return
		case op := <-sh.mailbox:
			if len(sh.mailbox) > p.highWater {
				p.applyBatch(ctx, sh, op)
			} else {
				p.apply(ctx, op)
			}
			metrics.WorkerMailboxDepth.WithLabelValues(strconv.Itoa(sh.id)).Set(float64(len(sh.mailbox)))
		}
	}
}

// batchKey identifies coalescable ops.
type batchKey struct {
	scope   string
	itemID  string
	bucket  domain.Bucket
	observe bool
}

// applyBatch drains the mailbox backlog, merges same-key ops, and applies
// the combined updates. Counters are commutative under addition, so
// merging preserves the final state exactly.
func (p *Pool) applyBatch(ctx context.Context, sh *shard, first Op) {
	merged := make(map[batchKey]Op)
	add := func(op Op) {
		k := batchKey{scope: op.Scope, itemID: op.ItemID, bucket: op.Bucket, observe: op.Observe}
		m, ok := merged[k]
		if !ok {
			merged[k] = op
			return
		}
		m.Delta += op.Delta
		m.Occurrences += op.Occurrences
		if op.Offset > m.Offset {
			m.Offset = op.Offset
		}
		merged[k] = m
		metrics.EventsCoalescedTotal.Inc()
	}

	add(first)
	pending := len(sh.mailbox)
drain:
	for i := 0; i < pending; i++ {
		select {
		case op := <-sh.mailbox:
			add(op)
		default:
			break drain
		}
	}

	for _, op := range merged {
		p.apply(ctx, op)
	}
}

// drainRemaining empties the mailbox at shutdown.
func (p *Pool) drainRemaining(ctx context.Context, sh *shard) {
	for {
		select {
		case op := <-sh.mailbox:
			p.apply(ctx, op)
		default:
			return
		}
	}
}

// apply performs one (possibly merged) update against the stores.
func (p *Pool) apply(ctx context.Context, op Op) {
	if err := p.exact.Apply(ctx, op.Scope, op.ItemID, op.Bucket, op.Delta); err != nil {
		// Counter state lives in memory or Redis; a failed apply is a
		// lost delta, so it is worth an error-level signal.
		p.logger.Error("failed to apply counter delta",
			"error", err,
			"scope", op.Scope,
			"itemId", op.ItemID,
			"bucket", op.Bucket,
		)
		return
	}

	if op.Observe && op.Delta > 0 {
		for _, w := range p.windows {
			p.tracker.ObserveN(op.Scope, w, op.ItemID, op.Occurrences)
		}
	}

	// The delta is durable in the store now; only now may the snapshot
	// marker claim this offset.
	if p.markers != nil {
		p.markers.Advance(op.Scope, op.Offset)
	}
}
