package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"rankstream/internal/metrics"
	"rankstream/internal/snapshot"
)

// Store implements snapshot.Store on PostgreSQL. Each snapshot is one row
// holding the serialized payload; snapshot_latest is the pointer table.
// Save writes the new row first and swaps the pointer in the same
// transaction, so readers never observe a partially-written version.
type Store struct {
	db *DB
}

var _ snapshot.Store = (*Store)(nil)

// NewStore creates a new PostgreSQL-backed snapshot store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Save persists the snapshot and swaps the scope's latest pointer.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (scope, version, last_applied, taken_at, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.Scope, snap.Version, snap.LastApplied, snap.TakenAt, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshot_latest (scope, version) VALUES ($1, $2)
		 ON CONFLICT (scope) DO UPDATE SET version = EXCLUDED.version`,
		snap.Scope, snap.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to swap latest pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest valid snapshot for the scope. The pointer
// version is tried first; on a corrupt payload the store walks back
// through older versions by creation time.
func (s *Store) Latest(ctx context.Context, scope string) (*snapshot.Snapshot, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT sn.payload
		 FROM snapshots sn
		 LEFT JOIN snapshot_latest lt ON lt.scope = sn.scope AND lt.version = sn.version
		 WHERE sn.scope = $1
		 ORDER BY (lt.version IS NOT NULL) DESC, sn.created_at DESC`,
		scope,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	found := false
	corrupt := false
	for rows.Next() {
		found = true
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var snap snapshot.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil || snap.Scope != scope {
			corrupt = true
			continue
		}
		if corrupt {
			metrics.SnapshotFallbacksTotal.WithLabelValues(scope).Inc()
		}
		return &snap, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	if !found {
		return nil, snapshot.ErrNoSnapshot
	}
	return nil, snapshot.ErrSnapshotCorrupt
}

// Scopes returns every scope with at least one snapshot.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT DISTINCT scope FROM snapshots ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope row: %w", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scopes: %w", err)
	}
	return scopes, nil
}

// GC removes superseded versions beyond the newest keep, never removing
// the version the latest pointer references.
func (s *Store) GC(ctx context.Context, scope string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	tag, err := s.db.pool.Exec(ctx,
		`DELETE FROM snapshots
		 WHERE scope = $1
		   AND version NOT IN (SELECT version FROM snapshot_latest WHERE scope = $1)
		   AND version NOT IN (
		     SELECT version FROM snapshots WHERE scope = $1
		     ORDER BY created_at DESC LIMIT $2
		   )`,
		scope, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to gc snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the shared DB pool is closed by its owner.
func (s *Store) Close() error {
	return nil
}
