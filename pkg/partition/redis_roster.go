package partition

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRoster keeps the worker roster in a Redis sorted set scored by the
// last heartbeat in unix milliseconds.
type RedisRoster struct {
	client *redis.Client
	key    string
}

// NewRedisRoster creates a roster stored under key.
func NewRedisRoster(client *redis.Client, key string) *RedisRoster {
	if key == "" {
		key = "keel:workers"
	}
	return &RedisRoster{client: client, key: key}
}

// Heartbeat implements Roster.
func (r *RedisRoster) Heartbeat(ctx context.Context, worker string, at time.Time) error {
	err := r.client.ZAdd(ctx, r.key, &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: worker,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", worker, err)
	}
	return nil
}

// Live implements Roster. Entries older than since are pruned.
func (r *RedisRoster) Live(ctx context.Context, since time.Time) ([]string, error) {
	cutoff := strconv.FormatInt(since.UnixMilli(), 10)

	if err := r.client.ZRemRangeByScore(ctx, r.key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune roster: %w", err)
	}

	workers, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	return workers, nil
}

// Leave implements Roster.
func (r *RedisRoster) Leave(ctx context.Context, worker string) error {
	if err := r.client.ZRem(ctx, r.key, worker).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from roster: %w", worker, err)
	}
	return nil
}
