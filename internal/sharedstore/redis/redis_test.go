package redis_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/sharedstore/redis"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *redis.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.New(context.Background(), redis.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return mr, store
}

func TestSetIfAbsentSingleWinner(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetIfAbsent(ctx, "password-change-lock:u1", []byte("owner"), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSetIfAbsentExpires(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "lock:u", []byte("x"), 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "lock:u", []byte("x"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(60 * time.Millisecond)

	ok, err = store.SetIfAbsent(ctx, "lock:u", []byte("x"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "lock:u", []byte("x"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "lock:u"))
	require.NoError(t, store.Delete(ctx, "lock:u"))
	assert.False(t, mr.Exists("lock:u"))
}

func TestListFIFO(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	for _, item := range []string{"A", "B", "C"} {
		require.NoError(t, store.PushTail(ctx, "password-change-queue", []byte(item)))
	}
	list, err := mr.List("password-change-queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, list)

	for _, want := range []string{"A", "B", "C"} {
		item, ok, err := store.PopHead(ctx, "password-change-queue")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(item))
	}
	_, ok, err := store.PopHead(ctx, "password-change-queue")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redis.NewWithClient(client, "svc:")

	require.NoError(t, store.PushTail(context.Background(), "q", []byte("x")))
	assert.True(t, mr.Exists("svc:q"))
	require.NoError(t, store.Close())
	require.NoError(t, client.Ping(context.Background()).Err(), "shared client must stay open")
}

func TestServerDownIsUnavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	store, err := redis.New(context.Background(), redis.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mr.Close()

	_, _, err = store.PopHead(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sharedstore.ErrUnavailable))
	assert.True(t, sharedstore.IsTransient(err))
}
