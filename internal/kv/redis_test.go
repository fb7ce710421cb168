package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestRedisStore_GetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestRedisStore_SetNXWinsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	won, err := s.SetNX(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.SetNX(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	require.False(t, won)

	v, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestRedisStore_SetMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SAdd(ctx, "idx", "a", "b", "c"))
	members, err := s.SMembers(ctx, "idx")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, s.SRem(ctx, "idx", "b"))
	members, err = s.SMembers(ctx, "idx")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestRedisStore_RingBufferTrim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RPush(ctx, "logs", string(rune('a'+i))))
	}
	require.NoError(t, s.LTrim(ctx, "logs", -3, -1))

	n, err := s.LLen(ctx, "logs")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	vals, err := s.LRange(ctx, "logs", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d", "e"}, vals)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "chan", "hello"))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestRedisStore_EvalRunsLuaScript(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.Eval(ctx, `return ARGV[1]`, nil, "ok")
	require.NoError(t, err)
	require.Equal(t, "ok", res)
}
