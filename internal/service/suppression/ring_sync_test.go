package suppression

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/repository/memory"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

// peer is a second process sharing f's shards, durable store and ring.
type peer struct {
	cache *Cache
	store *shardstore.RedisStore
	sync  *RingSync
}

func newPeer(t *testing.T, f *fixture, rings *memory.RingRepo, node string) *peer {
	t.Helper()
	store := shardstore.NewRedisStore(shardstore.RedisOptions{
		OpTimeout: 200 * time.Millisecond,
		LockTTL:   500 * time.Millisecond,
		LockPoll:  2 * time.Millisecond,
	})
	var descs []domain.ShardDescriptor
	for _, id := range f.store.Shards() {
		mr := f.servers[id]
		store.RegisterClient(id, redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
		descs = append(descs, domain.ShardDescriptor{ID: id, Endpoint: "redis://" + mr.Addr()})
	}
	ring, err := hashring.New(descs, 64)
	require.NoError(t, err)
	cache := NewCache(hashring.NewHolder(ring), store, f.repo, Options{
		Retry:          fastRetry,
		BackfillRetry:  fastRetry,
		PersistWorkers: 2,
	})
	t.Cleanup(func() {
		cache.Close()
		store.Close()
	})
	s := NewRingSync(cache, rings, store, RingSyncOptions{Node: node, Interval: 5 * time.Millisecond, Liveness: time.Minute})
	require.NoError(t, s.Bootstrap(context.Background()))
	return &peer{cache: cache, store: store, sync: s}
}

// run keeps p in step with the published ring until the test ends.
func (p *peer) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.sync.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func syncFixture(t *testing.T, rings *memory.RingRepo, ackTimeout time.Duration, ids ...string) (*fixture, *RingSync) {
	t.Helper()
	f := newFixture(t, ids...)
	s := NewRingSync(f.cache, rings, f.store, RingSyncOptions{
		Node:       "admin",
		Interval:   5 * time.Millisecond,
		Liveness:   time.Minute,
		AckTimeout: ackTimeout,
	})
	require.NoError(t, s.Bootstrap(context.Background()))
	return f, s
}

func TestBootstrapPublishesOnce(t *testing.T) {
	rings := memory.NewRingRepo()
	f, _ := syncFixture(t, rings, time.Second, "s1", "s2")
	assert.Equal(t, int64(1), rings.Version())
	assert.Equal(t, int64(1), f.cache.Ring().Load().Version)

	p := newPeer(t, f, rings, "worker")
	assert.Equal(t, int64(1), rings.Version())
	assert.Equal(t, int64(1), p.cache.Ring().Load().Version)
}

func TestRebalanceIsSeenByEveryProcess(t *testing.T) {
	ctx := context.Background()
	rings := memory.NewRingRepo()
	f, admin := syncFixture(t, rings, 2*time.Second, "s1", "s2")
	worker := newPeer(t, f, rings, "worker")
	worker.run(t)

	emails := make([]string, 200)
	for i := range emails {
		emails[i] = fmt.Sprintf("bounce%03d@example.com", i)
		cache := f.cache
		if i%2 == 1 {
			cache = worker.cache
		}
		_, err := cache.Add(ctx, emails[i], domain.CategoryBounce, "acct-a")
		require.NoError(t, err)
	}
	f.flush(t)
	require.NoError(t, worker.cache.Flush(ctx))

	mr := miniredis.RunT(t)
	rb := NewRebalancer(f.cache, f.store, 50).WithSync(admin)
	report, err := rb.AddShard(ctx, domain.ShardDescriptor{ID: "s3", Endpoint: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.Greater(t, report.Moved, 0)

	require.Eventually(t, func() bool {
		return worker.cache.Ring().Load().Version == rings.Version()
	}, 2*time.Second, 5*time.Millisecond)
	snap := worker.cache.Ring().Load()
	assert.False(t, snap.Migrating())
	assert.True(t, snap.Current.Has("s3"))
	assert.Contains(t, worker.store.Shards(), "s3")

	for _, email := range emails {
		found, err := worker.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found, email)
	}
	assertOnOwners(t, f, emails)

	// A write from the worker lands where the admin process looks.
	_, err = worker.cache.Add(ctx, "after@example.com", domain.CategoryBounce, "acct-a")
	require.NoError(t, err)
	found, err := f.cache.Check(ctx, "after@example.com")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRebalanceWaitsForLaggingProcess(t *testing.T) {
	ctx := context.Background()
	rings := memory.NewRingRepo()
	f, admin := syncFixture(t, rings, 50*time.Millisecond, "s1", "s2")
	worker := newPeer(t, f, rings, "worker")
	emails := seed(t, f, 80)

	mr := miniredis.RunT(t)
	rb := NewRebalancer(f.cache, f.store, 20).WithSync(admin)
	_, err := rb.AddShard(ctx, domain.ShardDescriptor{ID: "s3", Endpoint: "redis://" + mr.Addr()})
	require.ErrorIs(t, err, ErrRingNotConverged)
	assert.True(t, rb.Blocked())
	assert.True(t, f.cache.Ring().Load().Migrating())

	// Nothing moved, so the lagging process still finds everything.
	for _, email := range emails {
		found, err := worker.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found)
	}

	require.NoError(t, worker.sync.Sync(ctx))
	assert.True(t, worker.cache.Ring().Load().Migrating())

	_, err = rb.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, rb.Blocked())

	require.NoError(t, worker.sync.Sync(ctx))
	assert.False(t, worker.cache.Ring().Load().Migrating())
	for _, email := range emails {
		found, err := worker.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestDepartedProcessIsNotWaitedFor(t *testing.T) {
	ctx := context.Background()
	rings := memory.NewRingRepo()
	f, admin := syncFixture(t, rings, 50*time.Millisecond, "s1", "s2")
	worker := newPeer(t, f, rings, "worker")
	seed(t, f, 20)

	worker.sync.Forget(ctx)

	rb := NewRebalancer(f.cache, f.store, 0).WithSync(admin)
	_, err := rb.RemoveShard(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rings.Version())
}

func TestPeerConnectsAndDropsShards(t *testing.T) {
	ctx := context.Background()
	rings := memory.NewRingRepo()
	f, admin := syncFixture(t, rings, time.Second, "s1", "s2")
	worker := newPeer(t, f, rings, "worker")
	worker.run(t)

	rb := NewRebalancer(f.cache, f.store, 0).WithSync(admin)
	_, err := rb.RemoveShard(ctx, "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return worker.cache.Ring().Load().Version == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s2"}, worker.store.Shards())
}
