package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rankstream/internal/counter"
	"rankstream/internal/metrics"
	"rankstream/internal/queue"
)

// MarkerSource reports the last applied log offset for a scope, recorded
// into each snapshot so recovery knows where to resume replay. Recovery
// advances it back to the restored snapshot's marker so the next snapshot
// never regresses.
type MarkerSource interface {
	Marker(scope string) int64
	Advance(scope string, offset int64)
}

// LogReplayer re-reads the event log tail beginning after a recorded
// offset. A nil replayer limits recovery to the snapshot contents.
type LogReplayer interface {
	Replay(ctx context.Context, after int64, handler queue.MessageHandler) error
}

// Manager runs the periodic snapshot loop and recovery. Repeated store
// failures never halt ingestion: counters keep accumulating in memory and
// are captured on the next successful attempt.
type Manager struct {
	store    Store
	exact    counter.Store
	markers  MarkerSource
	replay   LogReplayer
	interval time.Duration
	retain   int
	retries  int
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a snapshot manager.
func NewManager(store Store, exact counter.Store, markers MarkerSource, replay LogReplayer, interval time.Duration, retain int, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		exact:    exact,
		markers:  markers,
		replay:   replay,
		interval: interval,
		retain:   retain,
		retries:  3,
		logger:   logger,
		now:      time.Now,
	}
}

// Run snapshots every known scope on the configured interval until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.snapshotAll(ctx)
		}
	}
}

// snapshotAll persists every scope, logging but not propagating failures.
func (m *Manager) snapshotAll(ctx context.Context) {
	scopes, err := m.exact.Scopes(ctx)
	if err != nil {
		m.logger.Error("failed to list scopes for snapshot", "error", err)
		return
	}

	for _, scope := range scopes {
		if _, err := m.SnapshotScope(ctx, scope); err != nil {
			m.logger.Error("scope snapshot failed", "error", err, "scope", scope)
		}
	}
}

// SnapshotScope serializes the scope's counters and persists them as a
// new version, retrying with backoff on store failure. Also the
// force-snapshot admin operation.
func (m *Manager) SnapshotScope(ctx context.Context, scope string) (*Snapshot, error) {
	start := m.now()

	// Record the marker before dumping: any event applied during the dump
	// will be replayed on recovery, and replaying is idempotent only
	// upstream of the counters, so under-reporting the marker is the safe
	// direction.
	snap := &Snapshot{
		Scope:       scope,
		Version:     uuid.NewString(),
		LastApplied: m.markers.Marker(scope),
		TakenAt:     start,
	}

	records, err := m.exact.Dump(ctx, scope)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues(scope, "failure").Inc()
		return nil, fmt.Errorf("failed to dump counters: %w", err)
	}
	snap.Counters = records

	backoff := 100 * time.Millisecond
	var saveErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		if saveErr = m.store.Save(ctx, snap); saveErr == nil {
			break
		}
		m.logger.Warn("snapshot save failed, retrying",
			"error", saveErr,
			"scope", scope,
			"attempt", attempt+1,
		)
		select {
		case <-ctx.Done():
			metrics.SnapshotsTotal.WithLabelValues(scope, "failure").Inc()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if saveErr != nil {
		metrics.SnapshotsTotal.WithLabelValues(scope, "failure").Inc()
		return nil, fmt.Errorf("failed to save snapshot: %w", saveErr)
	}

	if removed, err := m.store.GC(ctx, scope, m.retain); err != nil {
		m.logger.Warn("snapshot gc failed", "error", err, "scope", scope)
	} else if removed > 0 {
		m.logger.Debug("snapshot gc removed versions", "scope", scope, "removed", removed)
	}

	metrics.SnapshotsTotal.WithLabelValues(scope, "success").Inc()
	metrics.SnapshotLatency.Observe(m.now().Sub(start).Seconds())

	m.logger.Info("snapshot persisted",
		"scope", scope,
		"version", snap.Version,
		"counters", len(snap.Counters),
		"marker", snap.LastApplied,
	)
	return snap, nil
}

// Recover restores the scope's counters from the latest valid snapshot.
// Snapshots are taken from this same store, so when the live store
// already holds counters for the scope it is at least as new as any
// snapshot; restoring over it would rewind the scope and lose the tail.
// In that case the restore is skipped and the second return is false.
// Either way the marker source is advanced to the snapshot's marker so
// the next snapshot never records an earlier offset. Returns
// ErrNoSnapshot when the scope has never been persisted.
func (m *Manager) Recover(ctx context.Context, scope string) (*Snapshot, bool, error) {
	snap, err := m.store.Latest(ctx, scope)
	if err != nil {
		return nil, false, err
	}

	card, err := m.exact.Cardinality(ctx, scope)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check live counters: %w", err)
	}
	if card > 0 {
		m.markers.Advance(scope, snap.LastApplied)
		m.logger.Info("skipping restore, live counters are ahead of the snapshot",
			"scope", scope,
			"version", snap.Version,
			"items", card,
		)
		return snap, false, nil
	}

	if err := m.exact.Restore(ctx, scope, snap.Counters); err != nil {
		return nil, false, fmt.Errorf("failed to restore counters: %w", err)
	}
	m.markers.Advance(scope, snap.LastApplied)

	m.logger.Info("recovered scope from snapshot",
		"scope", scope,
		"version", snap.Version,
		"counters", len(snap.Counters),
		"marker", snap.LastApplied,
	)
	return snap, true, nil
}

// RecoverAll restores every scope the store knows about, then replays
// the log tail through handler so deltas that landed after the snapshots
// are applied before traffic is served. Messages at or below a restored
// scope's marker are already in its snapshot and are skipped; scopes
// whose live counters were ahead of their snapshot need no replay at
// all. A nil handler or replayer restores snapshots only.
func (m *Manager) RecoverAll(ctx context.Context, handler queue.MessageHandler) error {
	scopes, err := m.store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshot scopes: %w", err)
	}

	restored := make(map[string]int64)
	live := make(map[string]bool)
	from := int64(-1)
	for _, scope := range scopes {
		snap, didRestore, err := m.Recover(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to recover scope %q: %w", scope, err)
		}
		if didRestore {
			if len(restored) == 0 || snap.LastApplied < from {
				from = snap.LastApplied
			}
			restored[scope] = snap.LastApplied
		} else {
			live[scope] = true
		}
	}

	if m.replay == nil || handler == nil || len(restored) == 0 {
		return nil
	}

	m.logger.Info("replaying log tail", "from", from, "scopes", len(restored))
	return m.replay.Replay(ctx, from, func(ctx context.Context, msg *queue.Message) error {
		scope := string(msg.Key)
		if live[scope] {
			return nil
		}
		if marker, ok := restored[scope]; ok && msg.Offset <= marker {
			return nil
		}
		return handler(ctx, msg)
	})
}
