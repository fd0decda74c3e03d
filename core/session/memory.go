package session

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps sessions in process. Sessions do not survive a restart
// and are not shared between instances.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore returns an in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(time.Hour, 10*time.Minute)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	value, ok := s.cache.Get(id)
	if !ok {
		return nil, notFound()
	}
	return value.([]byte), nil
}

// Put implements Store. A ttl of zero or less keeps the session forever.
func (s *MemoryStore) Put(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.cache.Set(id, append([]byte{}, value...), ttl)
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}
