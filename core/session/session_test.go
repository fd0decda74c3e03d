package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
)

func testStore(t *testing.T, s Store, expire func(time.Duration)) {
	ctx := context.Background()
	id, err := NewID()
	require.NoError(t, err)

	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	in := AdminSession{UserID: "A1", Role: "owner", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, PutJSON(ctx, s, id, in, time.Minute))
	var out AdminSession
	require.NoError(t, GetJSON(ctx, s, id, &out))
	assert.Equal(t, in, out)

	expire(2 * time.Minute)
	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, core.ErrNotFound), "session expired")

	require.NoError(t, s.Put(ctx, id, []byte(`{}`), time.Minute))
	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	testStore(t, NewRedisStore(client, ""), mr.FastForward)
	assert.Empty(t, mr.Keys())
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStore(t, s, func(d time.Duration) {
		// go-cache has no clock to advance; replace the entries with expired ones
		for k, item := range s.cache.Items() {
			s.cache.Set(k, item.Object, time.Nanosecond)
		}
		time.Sleep(time.Millisecond)
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client, "")
	mr.Close()
	_, err := s.Get(context.Background(), "x")
	assert.True(t, errors.Is(err, core.ErrStorage))
}
