package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cache stores loaded values and collapses concurrent loads of one key.
type Cache[T any] interface {
	// GetOrFetch returns the cached value for key, calling fetch and storing
	// its result for ttl on a miss. Fetch errors are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live of a fetched value
	//   - fetch: Loads the value on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the cache or fetch fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error)

	// Delete drops key so the next GetOrFetch reloads it.
	Delete(ctx context.Context, key string) error
}

// MemoryCache is an in-process Cache backed by go-cache.
type MemoryCache[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCache returns a MemoryCache that purges expired items every
// cleanupInterval.
func NewMemoryCache[T any](cleanupInterval time.Duration) *MemoryCache[T] {
	return &MemoryCache[T]{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

// GetOrFetch implements Cache. Concurrent misses on one key run fetch once.
func (c *MemoryCache[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	var zero T
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		c.cache.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type %T cached for key %s", val, key)
	}
	return v, nil
}

func (c *MemoryCache[T]) lookup(key string) (T, bool) {
	var zero T
	raw, found := c.cache.Get(key)
	if !found {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}

// Delete implements Cache.
func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cache.Delete(key)
	return nil
}

// Len returns the number of cached items, expired ones included until the
// next cleanup.
func (c *MemoryCache[T]) Len() int {
	return c.cache.ItemCount()
}

const (
	redisLockTTL  = 30 * time.Second
	redisWaitMax  = 30 * time.Second
	redisPollBase = 10 * time.Millisecond
	redisPollMax  = 500 * time.Millisecond
)

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisCache is a Cache shared between processes. Values are stored as
// JSON; a lock key prevents concurrent fetches of the same key.
type RedisCache[T any] struct {
	client redis.UniversalClient
}

// NewRedisCache returns a RedisCache using client.
func NewRedisCache[T any](client redis.UniversalClient) *RedisCache[T] {
	return &RedisCache[T]{client: client}
}

// GetOrFetch implements Cache. A caller that loses the lock race polls
// for the winner's value with exponential backoff.
func (c *RedisCache[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	var zero T
	if v, ok, err := c.get(ctx, key); err != nil || ok {
		return v, err
	}

	lockKey := key + ":lock"
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	acquired, err := c.client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return c.wait(ctx, key, lockKey)
	}
	defer c.client.Eval(context.Background(), releaseLockScript, []string{lockKey}, token)

	v, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("store %s: %w", key, err)
	}
	return v, nil
}

func (c *RedisCache[T]) get(ctx context.Context, key string) (T, bool, error) {
	var v T
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache[T]) wait(ctx context.Context, key, lockKey string) (T, error) {
	var zero T
	backoff := redisPollBase
	deadline := time.Now().Add(redisWaitMax)
	for time.Now().Before(deadline) {
		if v, ok, err := c.get(ctx, key); err != nil || ok {
			return v, err
		}
		n, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("check lock: %w", err)
		}
		if n == 0 {
			if v, ok, err := c.get(ctx, key); err != nil || ok {
				return v, err
			}
			return zero, fmt.Errorf("concurrent fetch of %s failed", key)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, redisPollMax)
	}
	return zero, fmt.Errorf("timed out waiting for %s", key)
}

// Delete implements Cache.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
