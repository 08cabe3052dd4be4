// Package redis provides a Redis-based implementation of the exact count
// store. Each (scope, itemId) pair maps to a hash whose fields are bucket
// start timestamps, so a window sum is a single HGETALL filtered by range,
// and HINCRBY gives atomic counter application.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rankstream/internal/config"
	"rankstream/internal/counter"
	"rankstream/internal/domain"
)

// Key layout in Redis.
const (
	prefixCounts = "cnt:"       // cnt:<scope>:<itemId> -> hash bucket -> count
	keyScopes    = "cnt-scopes" // set of scopes
	prefixItems  = "cnt-items:" // cnt-items:<scope> -> set of itemIds
)

// Store implements counter.Store using Redis.
type Store struct {
	client *redis.Client
}

var _ counter.Store = (*Store)(nil)

// NewStore creates a new Redis-backed exact count store.
func NewStore(cfg *config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

// countKey generates the hash key for an item's bucket counters.
func countKey(scope, itemID string) string {
	return prefixCounts + scope + ":" + itemID
}

// itemsKey generates the set key holding a scope's item IDs.
func itemsKey(scope string) string {
	return prefixItems + scope
}

// bucketField renders a bucket as a hash field.
func bucketField(b domain.Bucket) string {
	return strconv.FormatInt(int64(b), 10)
}

// parseBucketField parses a hash field back into a bucket.
func parseBucketField(f string) (domain.Bucket, error) {
	n, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed bucket field %q: %w", f, err)
	}
	return domain.Bucket(n), nil
}

// Apply adds delta to the counter for (scope, itemID, bucket).
func (s *Store) Apply(ctx context.Context, scope, itemID string, bucket domain.Bucket, delta int64) error {
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, countKey(scope, itemID), bucketField(bucket), delta)
	pipe.SAdd(ctx, itemsKey(scope), itemID)
	pipe.SAdd(ctx, keyScopes, scope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to apply counter delta: %w", err)
	}
	return nil
}

// WindowSum returns the net count per given item over [from, to]. Hashes
// are fetched in one pipeline; each holds at most the maximum window in
// buckets plus the archive field.
func (s *Store) WindowSum(ctx context.Context, scope string, itemIDs []string, from, to domain.Bucket) (map[string]int64, error) {
	if len(itemIDs) == 0 {
		return map[string]int64{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(itemIDs))
	for i, id := range itemIDs {
		cmds[i] = pipe.HGetAll(ctx, countKey(scope, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch window counters: %w", err)
	}

	sums := make(map[string]int64, len(itemIDs))
	for i, id := range itemIDs {
		total, err := sumFields(cmds[i].Val(), from, to)
		if err != nil {
			return nil, err
		}
		sums[id] = total
	}
	return sums, nil
}

// sumFields sums hash fields whose bucket falls within [from, to].
func sumFields(fields map[string]string, from, to domain.Bucket) (int64, error) {
	var total int64
	for f, v := range fields {
		b, err := parseBucketField(f)
		if err != nil {
			return 0, err
		}
		if b < from || b > to {
			continue
		}
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed counter value %q: %w", v, err)
		}
		total += c
	}
	return total, nil
}

// ScanScope sums every item in the scope over [from, to], bounded by
// maxItems distinct items.
func (s *Store) ScanScope(ctx context.Context, scope string, from, to domain.Bucket, maxItems int) (map[string]int64, error) {
	card, err := s.client.SCard(ctx, itemsKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scope cardinality: %w", err)
	}
	if card > int64(maxItems) {
		return nil, counter.ErrScopeTooLarge
	}

	items, err := s.client.SMembers(ctx, itemsKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scope items: %w", err)
	}
	return s.WindowSum(ctx, scope, items, from, to)
}

// Cardinality returns the number of distinct items in the scope.
func (s *Store) Cardinality(ctx context.Context, scope string) (int, error) {
	card, err := s.client.SCard(ctx, itemsKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scope cardinality: %w", err)
	}
	return int(card), nil
}

// Scopes returns every scope with at least one counter.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	scopes, err := s.client.SMembers(ctx, keyScopes).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	return scopes, nil
}

// FoldArchive folds all buckets strictly before the given bucket into the
// per-item archive field.
func (s *Store) FoldArchive(ctx context.Context, scope string, before domain.Bucket) (int, error) {
	items, err := s.client.SMembers(ctx, itemsKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list scope items: %w", err)
	}

	folded := 0
	for _, id := range items {
		key := countKey(scope, id)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return folded, fmt.Errorf("failed to fetch counters for fold: %w", err)
		}

		var archiveDelta int64
		var stale []string
		for f, v := range fields {
			b, err := parseBucketField(f)
			if err != nil {
				return folded, err
			}
			if b == domain.BucketArchive || b >= before {
				continue
			}
			c, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return folded, fmt.Errorf("malformed counter value %q: %w", v, err)
			}
			archiveDelta += c
			stale = append(stale, f)
		}
		if len(stale) == 0 {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HIncrBy(ctx, key, bucketField(domain.BucketArchive), archiveDelta)
		pipe.HDel(ctx, key, stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			return folded, fmt.Errorf("failed to fold archive bucket: %w", err)
		}
		folded += len(stale)
	}
	return folded, nil
}

// Dump returns every counter for the scope, for snapshotting.
func (s *Store) Dump(ctx context.Context, scope string) ([]counter.Record, error) {
	items, err := s.client.SMembers(ctx, itemsKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scope items: %w", err)
	}

	var records []counter.Record
	for _, id := range items {
		fields, err := s.client.HGetAll(ctx, countKey(scope, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to dump counters: %w", err)
		}
		for f, v := range fields {
			b, err := parseBucketField(f)
			if err != nil {
				return nil, err
			}
			c, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed counter value %q: %w", v, err)
			}
			records = append(records, counter.Record{ItemID: id, Bucket: b, Count: c})
		}
	}
	return records, nil
}

// Restore replaces the scope's counters with the given records.
func (s *Store) Restore(ctx context.Context, scope string, records []counter.Record) error {
	items, err := s.client.SMembers(ctx, itemsKey(scope)).Result()
	if err != nil {
		return fmt.Errorf("failed to list scope items: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range items {
		pipe.Del(ctx, countKey(scope, id))
	}
	pipe.Del(ctx, itemsKey(scope))
	for _, r := range records {
		pipe.HSet(ctx, countKey(scope, r.ItemID), bucketField(r.Bucket), r.Count)
		pipe.SAdd(ctx, itemsKey(scope), r.ItemID)
	}
	pipe.SAdd(ctx, keyScopes, scope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to restore counters: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
