package suppression

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/rowsource"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

func seed(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ctx := context.Background()
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%03d@example.com", i)
		_, err := f.cache.Add(ctx, emails[i], domain.CategoryBounce, "acct-a")
		require.NoError(t, err)
	}
	f.flush(t)
	return emails
}

// assertOnOwners checks every email sits on exactly its current owner.
func assertOnOwners(t *testing.T, f *fixture, emails []string) {
	t.Helper()
	ctx := context.Background()
	snap := f.cache.Ring().Load()
	require.False(t, snap.Migrating())
	for _, email := range emails {
		owner, ok := snap.Current.Assign(email)
		require.True(t, ok)
		for _, id := range f.store.Shards() {
			_, found, err := f.store.Get(ctx, id, "bounce:"+email)
			require.NoError(t, err)
			assert.Equal(t, id == owner, found, "email %s on shard %s", email, id)
		}
	}
}

func TestAddShardMovesOwnedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")
	emails := seed(t, f, 200)

	mr := miniredis.RunT(t)
	rb := NewRebalancer(f.cache, f.store, 50)
	report, err := rb.AddShard(ctx, domain.ShardDescriptor{ID: "s3", Endpoint: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.Equal(t, 200, report.Scanned)
	assert.Greater(t, report.Moved, 0)
	assert.Less(t, report.Moved, 200)
	assert.False(t, rb.Blocked())

	assertOnOwners(t, f, emails)
	for _, email := range emails {
		found, err := f.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestRemoveShardDrainsIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2", "s3")
	emails := seed(t, f, 150)

	rb := NewRebalancer(f.cache, f.store, 40)
	_, err := rb.RemoveShard(ctx, "s2")
	require.NoError(t, err)

	assert.NotContains(t, f.store.Shards(), "s2")
	assert.False(t, f.cache.Ring().Load().Current.Has("s2"))
	assertOnOwners(t, f, emails)
}

func TestAddDuplicateShardIsRejected(t *testing.T) {
	f := newFixture(t, "s1")
	rb := NewRebalancer(f.cache, f.store, 0)
	_, err := rb.AddShard(context.Background(), domain.ShardDescriptor{ID: "s1", Endpoint: "redis://" + f.servers["s1"].Addr()})
	assert.Error(t, err)
	assert.False(t, rb.Blocked())
}

func TestFailedMigrationBlocksUntilResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")
	emails := seed(t, f, 100)

	f.repo.SetFailure(errors.New("durable store offline"))
	mr := miniredis.RunT(t)
	rb := NewRebalancer(f.cache, f.store, 25)
	_, err := rb.AddShard(ctx, domain.ShardDescriptor{ID: "s3", Endpoint: "redis://" + mr.Addr()})
	require.Error(t, err)
	assert.True(t, rb.Blocked())
	assert.True(t, f.cache.Ring().Load().Migrating())

	_, err = rb.RemoveShard(ctx, "s1")
	require.ErrorIs(t, err, ErrRebalanceBlocked)

	// Dual-read keeps every entry visible while blocked.
	for _, email := range emails {
		found, err := f.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found)
	}

	f.repo.SetFailure(nil)
	_, err = rb.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, rb.Blocked())
	assertOnOwners(t, f, emails)
}

func TestRefreshRebuildsLostShards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")
	emails := seed(t, f, 60)

	for _, mr := range f.servers {
		mr.FlushAll()
	}
	found, err := f.cache.Check(ctx, emails[0])
	require.NoError(t, err)
	assert.False(t, found)

	report, err := f.cache.Refresh(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Shards)
	assert.Equal(t, 60, report.Entries)

	for _, email := range emails {
		found, err := f.cache.Check(ctx, email)
		require.NoError(t, err)
		assert.True(t, found)
	}
	assertOnOwners(t, f, emails)
}

func TestImportCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2")
	_, err := f.cache.Add(ctx, "dup@example.com", domain.CategoryUnsubscribe, "other")
	require.NoError(t, err)

	src := rowsource.FromSlice([]string{
		"one@example.com",
		"two@example.com",
		"DUP@example.com",
		"broken",
		"one@example.com",
	})
	tenant := domain.Tenant{AccountID: "acct-a", Partition: "p1"}
	res, err := f.cache.Import(ctx, tenant, domain.CategoryUnsubscribe, src, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Processed)
	assert.Equal(t, int64(2), res.Added)
	assert.Equal(t, int64(2), res.Duplicate)
	assert.Equal(t, int64(1), res.Invalid)

	f.flush(t)
	e, err := f.repo.Get(ctx, "one@example.com", domain.CategoryUnsubscribe)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", e.OriginAccount)
}

func TestImportRequiresTenant(t *testing.T) {
	f := newFixture(t, "s1")
	_, err := f.cache.Import(context.Background(), domain.Tenant{}, domain.CategoryBounce, rowsource.FromSlice(nil), 1)
	require.ErrorIs(t, err, domain.ErrInvalidTenant)
}

var _ ShardRegistry = (*shardstore.RedisStore)(nil)
