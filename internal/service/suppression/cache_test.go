package suppression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/retry"
	"github.com/venugopal1902/email-verifier/internal/repository/memory"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

var fastRetry = retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fixture struct {
	cache   *Cache
	store   *shardstore.RedisStore
	servers map[string]*miniredis.Miniredis
	repo    *memory.SuppressionRepo
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	store := shardstore.NewRedisStore(shardstore.RedisOptions{
		OpTimeout: 200 * time.Millisecond,
		LockTTL:   500 * time.Millisecond,
		LockPoll:  2 * time.Millisecond,
	})
	servers := make(map[string]*miniredis.Miniredis)
	descs := make([]domain.ShardDescriptor, 0, len(ids))
	for _, id := range ids {
		mr := miniredis.RunT(t)
		servers[id] = mr
		store.RegisterClient(id, redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
		descs = append(descs, domain.ShardDescriptor{ID: id, Endpoint: "redis://" + mr.Addr()})
	}
	ring, err := hashring.New(descs, 64)
	require.NoError(t, err)

	repo := memory.NewSuppressionRepo()
	cache := NewCache(hashring.NewHolder(ring), store, repo, Options{
		Retry:          fastRetry,
		BackfillRetry:  fastRetry,
		PersistWorkers: 2,
	})
	t.Cleanup(func() {
		cache.Close()
		store.Close()
	})
	return &fixture{cache: cache, store: store, servers: servers, repo: repo}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.cache.Flush(ctx))
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")

	added, err := f.cache.Add(ctx, "Bounce@Example.com", domain.CategoryBounce, "acct-a")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = f.cache.Add(ctx, "bounce@example.com", domain.CategoryBounce, "acct-b")
	require.NoError(t, err)
	assert.False(t, added)

	f.flush(t)
	e, err := f.repo.Get(ctx, "bounce@example.com", domain.CategoryBounce)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", e.OriginAccount)

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckIsGlobalAcrossAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2", "s3")

	_, err := f.cache.Add(ctx, "x@y.com", domain.CategoryBounce, "acct-a")
	require.NoError(t, err)

	found, err := f.cache.Check(ctx, "X@Y.com")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = f.cache.Check(ctx, "x@y.com", domain.CategoryUnsubscribe)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCategoriesShareAShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2", "s3")

	_, err := f.cache.Add(ctx, "both@example.com", domain.CategoryBounce, "a")
	require.NoError(t, err)
	_, err = f.cache.Add(ctx, "both@example.com", domain.CategoryUnsubscribe, "a")
	require.NoError(t, err)

	owner, ok := f.cache.Ring().Load().Current.Assign("both@example.com")
	require.True(t, ok)
	mr := f.servers[owner]
	assert.True(t, mr.Exists(shardstore.DefaultNamespace))
	fields, err := mr.HKeys(shardstore.DefaultNamespace)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bounce:both@example.com", "unsub:both@example.com"}, fields)
}

func TestAddRejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")

	_, err := f.cache.Add(ctx, "not-an-email", domain.CategoryBounce, "a")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.cache.Add(ctx, "a@b.com", domain.SuppressionCategory("SPAM"), "a")
	require.ErrorAs(t, err, &verr)
}

func TestCheckFallsBackWhenShardIsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")

	_, err := f.cache.Add(ctx, "down@example.com", domain.CategoryBounce, "a")
	require.NoError(t, err)
	f.flush(t)

	f.servers["s1"].Close()

	found, err := f.cache.Check(ctx, "down@example.com")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = f.cache.Check(ctx, "other@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckIsTransientWhenEverythingIsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")

	f.servers["s1"].Close()
	f.repo.SetFailure(errors.New("connection refused"))

	found, err := f.cache.Check(ctx, "down@example.com")
	require.Error(t, err)
	assert.False(t, found)
	assert.True(t, domain.IsTransient(err))
}

func TestAddWritesDurableStoreWhenShardIsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")
	f.servers["s1"].Close()

	added, err := f.cache.Add(ctx, "late@example.com", domain.CategoryUnsubscribe, "a")
	require.NoError(t, err)
	assert.True(t, added)

	ok, err := f.repo.Exists(ctx, "late@example.com", domain.CategoryUnsubscribe)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := f.cache.Check(ctx, "late@example.com")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRemoveRequiresOriginOrAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")

	_, err := f.cache.Add(ctx, "mine@example.com", domain.CategoryUnsubscribe, "acct-a")
	require.NoError(t, err)
	f.flush(t)

	other := domain.Actor{Tenant: domain.Tenant{AccountID: "acct-b"}, Role: domain.RoleOwner}
	_, err = f.cache.Remove(ctx, other, "mine@example.com", domain.CategoryUnsubscribe)
	require.ErrorIs(t, err, ErrForbidden)

	found, err := f.cache.Check(ctx, "mine@example.com")
	require.NoError(t, err)
	assert.True(t, found)

	admin := domain.Actor{Tenant: domain.Tenant{AccountID: "ops"}, Role: domain.RoleAdmin}
	removed, err := f.cache.Remove(ctx, admin, "mine@example.com", domain.CategoryUnsubscribe)
	require.NoError(t, err)
	assert.True(t, removed)

	found, err = f.cache.Check(ctx, "mine@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveMissingEntry(t *testing.T) {
	f := newFixture(t, "s1")
	owner := domain.Actor{Tenant: domain.Tenant{AccountID: "a"}}
	removed, err := f.cache.Remove(context.Background(), owner, "ghost@example.com", domain.CategoryBounce)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveFailsWhileShardIsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")
	_, err := f.cache.Add(ctx, "a@example.com", domain.CategoryBounce, "a")
	require.NoError(t, err)
	f.flush(t)
	f.servers["s1"].Close()

	owner := domain.Actor{Tenant: domain.Tenant{AccountID: "a"}}
	_, err = f.cache.Remove(ctx, owner, "a@example.com", domain.CategoryBounce)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestRemovedEntryIsNotRevivedByPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")
	owner := domain.Actor{Tenant: domain.Tenant{AccountID: "a"}}

	for i := 0; i < 50; i++ {
		email := fmt.Sprintf("race%d@example.com", i)
		_, err := f.cache.Add(ctx, email, domain.CategoryBounce, "a")
		require.NoError(t, err)
		removed, err := f.cache.Remove(ctx, owner, email, domain.CategoryBounce)
		require.NoError(t, err)
		require.True(t, removed)
	}
	f.flush(t)

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for i := 0; i < 50; i++ {
		found, err := f.cache.Check(ctx, fmt.Sprintf("race%d@example.com", i))
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestConcurrentAddsOfSameEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.cache.Add(ctx, "hot@example.com", domain.CategoryBounce, fmt.Sprintf("acct-%d", i))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestEntryEncoding(t *testing.T) {
	e := domain.SuppressionEntry{
		Email:         "a@b.com",
		Category:      domain.CategoryBounce,
		OriginAccount: "acct",
		FirstSeen:     time.Unix(1700000000, 0).UTC(),
		Version:       42,
	}
	got, err := decodeEntry(e.Email, e.Category, encodeEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = decodeEntry("a@b.com", domain.CategoryBounce, "garbage")
	assert.Error(t, err)
}

func TestLatePersistAfterRemoveLeavesEntryRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")
	owner := domain.Actor{Tenant: domain.Tenant{AccountID: "a"}}

	_, err := f.cache.Add(ctx, "ghost@example.com", domain.CategoryBounce, "a")
	require.NoError(t, err)
	f.flush(t)
	raw, ok, err := f.store.Get(ctx, "s1", "bounce:ghost@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	entry, err := decodeEntry("ghost@example.com", domain.CategoryBounce, raw)
	require.NoError(t, err)

	removed, err := f.cache.Remove(ctx, owner, "ghost@example.com", domain.CategoryBounce)
	require.NoError(t, err)
	require.True(t, removed)

	// A persist for the old add that only runs once the shard has gone.
	f.servers["s1"].Close()
	f.cache.pending.Add(1)
	f.cache.run(ctx, persistJob{kind: jobPersist, entry: entry, value: raw})

	exists, err := f.repo.Exists(ctx, "ghost@example.com", domain.CategoryBounce)
	require.NoError(t, err)
	assert.False(t, exists)
	found, err := f.cache.Check(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddRestoresEntryLostByShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")

	added, err := f.cache.Add(ctx, "kept@example.com", domain.CategoryBounce, "acct-a")
	require.NoError(t, err)
	require.True(t, added)
	f.flush(t)

	f.servers["s1"].FlushAll()

	added, err = f.cache.Add(ctx, "kept@example.com", domain.CategoryBounce, "acct-b")
	require.NoError(t, err)
	assert.False(t, added)
	f.flush(t)

	raw, ok, err := f.store.Get(ctx, "s1", "bounce:kept@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	onShard, err := decodeEntry("kept@example.com", domain.CategoryBounce, raw)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", onShard.OriginAccount)

	durable, err := f.repo.Get(ctx, "kept@example.com", domain.CategoryBounce)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", durable.OriginAccount)
}

func TestClosedCacheRejectsWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1")
	require.NoError(t, f.cache.Close())

	_, err := f.cache.Add(ctx, "a@example.com", domain.CategoryBounce, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.cache.Remove(ctx, domain.Actor{Tenant: domain.Tenant{AccountID: "a"}}, "a@example.com", domain.CategoryBounce)
	assert.ErrorIs(t, err, ErrClosed)
}
