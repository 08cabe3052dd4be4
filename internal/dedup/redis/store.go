// Package redis provides a Redis-based implementation of the dedup store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rankstream/internal/config"
	"rankstream/internal/dedup"
)

const keyPrefix = "dedup:"

// Store implements dedup.Store using Redis SET NX with a TTL equal to the
// retention horizon. The insert-if-absent semantics of SETNX give the
// atomic first-application guarantee across processes.
type Store struct {
	client  *redis.Client
	horizon time.Duration
}

var _ dedup.Store = (*Store)(nil)

// NewStore creates a new Redis-backed dedup store on the dedicated
// dedup database.
func NewStore(cfg *config.RedisConfig, horizon time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DedupDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client, horizon: horizon}, nil
}

// MarkApplied records eventID via SETNX. Returns true on first sight.
func (s *Store) MarkApplied(ctx context.Context, eventID string) (bool, error) {
	first, err := s.client.SetNX(ctx, keyPrefix+eventID, 1, s.horizon).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event applied: %w", err)
	}
	return first, nil
}

// Size returns the number of keys in the dedup database. The dedup store
// runs on its own logical DB, so DBSIZE is an accurate count.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dedup store size: %w", err)
	}
	return n, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
