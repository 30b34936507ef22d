package shardstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

func newStore(t *testing.T, ids ...string) (*RedisStore, map[string]*miniredis.Miniredis) {
	t.Helper()
	s := NewRedisStore(RedisOptions{OpTimeout: 200 * time.Millisecond, LockTTL: time.Second})
	servers := make(map[string]*miniredis.Miniredis)
	for _, id := range ids {
		mr := miniredis.RunT(t)
		servers[id] = mr
		s.RegisterClient(id, redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	}
	t.Cleanup(func() { s.Close() })
	return s, servers
}

func TestAddIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s, mrs := newStore(t, "s1")

	added, err := s.Add(ctx, "s1", "bounce:a@example.com", "1:acct")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, "s1", "bounce:a@example.com", "2:other")
	require.NoError(t, err)
	assert.False(t, added)

	v, ok, err := s.Get(ctx, "s1", "bounce:a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1:acct", v)
	assert.Equal(t, "1:acct", mrs["s1"].HGet(DefaultNamespace, "bounce:a@example.com"))

	ok, err = s.Exists(ctx, "s1", "unsub:a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, "s1")

	_, err := s.Add(ctx, "s1", "k", "v")
	require.NoError(t, err)

	removed, err := s.Remove(ctx, "s1", "k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx, "s1", "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUnavailableShardIsNotAbsent(t *testing.T) {
	ctx := context.Background()
	s, mrs := newStore(t, "s1", "s2")
	mrs["s2"].Close()

	_, err := s.Exists(ctx, "s2", "bounce:a@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShardUnavailable)
	assert.True(t, domain.IsTransient(err))

	ok, err := s.Exists(ctx, "s1", "bounce:a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownShard(t *testing.T) {
	s, _ := newStore(t, "s1")
	_, err := s.Exists(context.Background(), "nope", "k")
	assert.ErrorIs(t, err, ErrUnknownShard)
}

func TestLockIsExclusivePerKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, "s1")

	unlock, err := s.Lock(ctx, "s1", "bounce:a@example.com")
	require.NoError(t, err)

	other, err := s.Lock(ctx, "s1", "bounce:b@example.com")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = s.Lock(short, "s1", "bounce:a@example.com")
	assert.True(t, domain.IsTransient(err))

	require.NoError(t, unlock(ctx))
	again, err := s.Lock(ctx, "s1", "bounce:a@example.com")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestPutScanClear(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, "s1")

	entries := map[string]string{}
	for _, k := range []string{"bounce:a@x.com", "bounce:b@x.com", "unsub:c@x.com"} {
		entries[k] = "1:acct"
	}
	require.NoError(t, s.Put(ctx, "s1", entries))

	seen := map[string]string{}
	var cursor uint64
	for {
		page, next, err := s.Scan(ctx, "s1", cursor, 2)
		require.NoError(t, err)
		for k, v := range page {
			seen[k] = v
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, entries, seen)

	require.NoError(t, s.Clear(ctx, "s1"))
	ok, err := s.Exists(ctx, "s1", "bounce:a@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterAndDeregister(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOptions{})
	require.NoError(t, s.Register(domain.ShardDescriptor{ID: "s9", Endpoint: "redis://" + mr.Addr() + "/0"}))
	assert.Equal(t, []string{"s9"}, s.Shards())
	require.NoError(t, s.Ping(context.Background(), "s9"))

	s.Deregister("s9")
	assert.Empty(t, s.Shards())

	assert.Error(t, s.Register(domain.ShardDescriptor{ID: "bad", Endpoint: "::not a url"}))
}
