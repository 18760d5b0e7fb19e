package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobState is the cached view of a job kept in a Redis hash.
type JobState struct {
	Kind          string `redis:"kind"`
	Status        string `redis:"status"`
	OutputAssetID string `redis:"output_asset_id"`
	UpdatedAt     int64  `redis:"updated_at"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobState(ctx context.Context, jobID uuid.UUID, state JobState, ttl time.Duration) error
	GetJobState(ctx context.Context, jobID uuid.UUID) (JobState, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// SetJobState replaces the cached state of a job and refreshes its TTL.
func (c *RedisCache) SetJobState(ctx context.Context, jobID uuid.UUID, state JobState, ttl time.Duration) error {
	key := JobStateKey(jobID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, state)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetJobState(ctx context.Context, jobID uuid.UUID) (JobState, bool, error) {
	res := c.client.HGetAll(ctx, JobStateKey(jobID))
	if err := res.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return JobState{}, false, err
	}
	if len(res.Val()) == 0 {
		return JobState{}, false, nil
	}
	var state JobState
	if err := res.Scan(&state); err != nil {
		return JobState{}, false, err
	}
	return state, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
