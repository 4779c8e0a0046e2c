package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisBackend.
const DefaultRedisPrefix = "offline-agent"

// setIfRegistered writes a hash field only while the generation is listed,
// so a write racing a Drop cannot resurrect the generation.
var setIfRegistered = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

// RedisBackend stores generations in Redis.
//
// Layout:
//
//	<prefix>:caches          sorted set of generation names, scored by creation time
//	<prefix>:cache:<name>    hash of entry key -> encoded snapshot
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis backend. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{redis: redisClient, prefix: prefix}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) namesKey() string { return r.prefix + ":caches" }

func (r *RedisBackend) cacheKey(cache string) string { return r.prefix + ":cache:" + cache }

func (r *RedisBackend) Create(ctx context.Context, cache string) (bool, error) {
	added, err := r.redis.ZAddNX(ctx, r.namesKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: cache,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("redis zadd: %w", err)
	}
	return added > 0, nil
}

func (r *RedisBackend) Exists(ctx context.Context, cache string) (bool, error) {
	err := r.redis.ZScore(ctx, r.namesKey(), cache).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (r *RedisBackend) Names(ctx context.Context) ([]string, error) {
	names, err := r.redis.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (r *RedisBackend) Drop(ctx context.Context, cache string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), cache)
		pipe.Del(ctx, r.cacheKey(cache))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis drop: %w", err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisBackend) Get(ctx context.Context, cache, key string) ([]byte, error) {
	data, err := r.redis.HGet(ctx, r.cacheKey(cache), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

func (r *RedisBackend) Set(ctx context.Context, cache, key string, data []byte) error {
	written, err := setIfRegistered.Run(ctx, r.redis,
		[]string{r.namesKey(), r.cacheKey(cache)},
		cache, key, data,
	).Int()
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	if written == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisBackend) Keys(ctx context.Context, cache string) ([]string, error) {
	ok, err := r.Exists(ctx, cache)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	keys, err := r.redis.HKeys(ctx, r.cacheKey(cache)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}
