package jobs

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRetryQueueKey is the Redis set holding failed keyword IDs.
const DefaultRetryQueueKey = "rankbee:failed_queue"

// Compile-time interface checks
var (
	_ RetryQueue = (*FileRetryQueue)(nil)
	_ RetryQueue = (*RedisRetryQueue)(nil)
)

// RedisRetryQueue stores the queue as a Redis set, so several processes
// can share it.
type RedisRetryQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisRetryQueue(rdb *redis.Client, key string) *RedisRetryQueue {
	if key == "" {
		key = DefaultRetryQueueKey
	}
	return &RedisRetryQueue{rdb: rdb, key: key}
}

// NewRedisRetryQueueFromURL parses a redis:// URL and pings the server.
func NewRedisRetryQueueFromURL(ctx context.Context, redisURL string) (*RedisRetryQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRetryQueue(rdb, ""), nil
}

func (q *RedisRetryQueue) Add(ctx context.Context, id int64) error {
	if err := q.rdb.SAdd(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("add %d to retry queue: %w", id, err)
	}
	return nil
}

func (q *RedisRetryQueue) Remove(ctx context.Context, id int64) error {
	if err := q.rdb.SRem(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("remove %d from retry queue: %w", id, err)
	}
	return nil
}

func (q *RedisRetryQueue) List(ctx context.Context) ([]int64, error) {
	members, err := q.rdb.SMembers(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list retry queue: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			log.Warn().Str("member", m).Msg("Ignoring non-numeric retry queue member")
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (q *RedisRetryQueue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("clear retry queue: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (q *RedisRetryQueue) Close() error {
	return q.rdb.Close()
}
