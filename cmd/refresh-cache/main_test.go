package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/repository/memory"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

func newCache(t *testing.T) (*suppression.Cache, *memory.SuppressionRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := shardstore.NewRedisStore(shardstore.RedisOptions{OpTimeout: 200 * time.Millisecond})
	store.RegisterClient("s1", redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ring, err := hashring.New([]domain.ShardDescriptor{{ID: "s1", Endpoint: "redis://" + mr.Addr()}}, 16)
	require.NoError(t, err)

	repo := memory.NewSuppressionRepo()
	cache := suppression.NewCache(hashring.NewHolder(ring), store, repo, suppression.Options{})
	t.Cleanup(func() {
		cache.Close()
		store.Close()
	})
	return cache, repo
}

func seed(t *testing.T, repo *memory.SuppressionRepo, emails ...string) {
	t.Helper()
	for _, e := range emails {
		ok, err := repo.Insert(context.Background(), &domain.SuppressionEntry{
			Email: e, Category: domain.CategoryBounce, OriginAccount: "acme", FirstSeen: time.Now(),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRunReloadsShards(t *testing.T) {
	cache, repo := newCache(t)
	seed(t, repo, "a@example.test", "b@example.test", "c@example.test")

	results := run(context.Background(), cache, repo, options{PageSize: 2, Sample: 10})
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Passed, "%s: %s", r.Name, r.Detail)
	}
	assert.Equal(t, "3 entries across 1 shards", results[1].Detail)
}

func TestRunCheckOnlyReportsMissingEntries(t *testing.T) {
	cache, repo := newCache(t)
	seed(t, repo, "lost@example.test")

	results := run(context.Background(), cache, repo, options{CheckOnly: true, Sample: 10})
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.Contains(t, results[1].Detail, "BOUNCE:lost@example.test")
	assert.False(t, report(results))
}

func TestRunStopsWhenDurableStoreFails(t *testing.T) {
	cache, repo := newCache(t)
	repo.SetFailure(assert.AnError)

	results := run(context.Background(), cache, repo, options{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
}
