package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relabs-tech/bastion/core"
)

// RedisStore keeps sessions in redis, expiring them with the key TTL
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using client. Keys are prefixed with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bastion:session:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound()
	}
	if err != nil {
		return nil, core.StorageErr(err, "cannot read session")
	}
	return value, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+id, value, ttl).Err(); err != nil {
		return core.StorageErr(err, "cannot write session")
	}
	return nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return core.StorageErr(err, "cannot delete session")
	}
	return nil
}
