package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache stores serialized query results. Implementations are best effort:
// a failing cache must never fail a query.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CanonicalJSON serializes params with sorted object keys, so equal
// parameter sets always produce the same bytes.
func CanonicalJSON(params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CacheKey is the cache key of a query execution: the query id followed by
// the canonical parameters.
func CacheKey(queryID string, canonicalParams string) string {
	return queryID + ":" + canonicalParams
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RedisCache is a Cache in redis
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a cache using client. Keys are prefixed with prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "bastion:query:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+hashKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements Cache
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+hashKey(key), value, ttl).Err()
}

// MemoryCache is an in-process Cache
type MemoryCache struct {
	cache *cache.Cache
}

// NewMemoryCache returns an in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{cache: cache.New(5*time.Minute, 10*time.Minute)}
}

// Get implements Cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok := c.cache.Get(hashKey(key))
	if !ok {
		return nil, false, nil
	}
	return value.([]byte), true, nil
}

// Set implements Cache
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.cache.Set(hashKey(key), append([]byte{}, value...), ttl)
	return nil
}
