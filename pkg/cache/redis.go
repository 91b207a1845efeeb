package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// ErrLockHeld is returned by Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("cache: lock already held")

// Config holds the configuration for the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a new Redis client and verifies the connection.
func NewClient(cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Cache stores string values under a scene prefix with a fixed TTL.
// Keys are laid out as "{scene}:{key}" so different concerns never collide.
type Cache struct {
	rdb   *redis.Client
	scene string
	ttl   time.Duration
}

// New returns a Cache for the given scene.
func New(rdb *redis.Client, scene string, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, scene: scene, ttl: ttl}
}

func (c *Cache) key(k string) string {
	return c.scene + ":" + k
}

// Get returns the value for key, or ErrMiss when absent.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	return val, nil
}

// GetMany returns the cached values for keys. Absent keys are simply
// missing from the result map.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	vals, err := c.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget cache keys: %w", err)
	}
	found := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			found[keys[i]] = s
		}
	}
	return found, nil
}

// Set stores value under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.rdb.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// SetMany stores all entries with the cache TTL in one round trip.
func (c *Cache) SetMany(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, c.key(k), v, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set cache keys: %w", err)
	}
	return nil
}

// Delete removes the given keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

// releaseScript deletes the lock key only when the caller still owns it.
var releaseScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`,
)

// Locker hands out short-lived advisory locks backed by Redis SET NX.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLocker returns a Locker whose locks expire after ttl even if the
// holder never releases them.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl}
}

// Acquire takes the lock for key. It returns ErrLockHeld without
// blocking when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, "lock:"+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{rdb: l.rdb, key: "lock:" + key, token: token}, nil
}

// LockFunc takes the lock for key and returns its release function.
// Callers that only need acquire/release can depend on this method alone.
func (l *Locker) LockFunc(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

// Lock is a held advisory lock.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Release frees the lock. Releasing a lock that already expired is not
// an error, and a lock re-acquired by someone else is left alone.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.rdb, []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}
	return nil
}
