package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLockExclusive(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	a := NewRedisLock(rdb, "suppress:bounce:x@example.com", time.Minute)
	b := NewRedisLock(rdb, "suppress:bounce:x@example.com", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the lock, so its release must be a no-op.
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists(a.Key()))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists(a.Key()))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	a := NewRedisLock(rdb, "k", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, 10*time.Second))
	mr.FastForward(5 * time.Second)
	assert.True(t, mr.Exists(a.Key()))

	mr.FastForward(6 * time.Second)
	assert.False(t, mr.Exists(a.Key()))
}

func TestObtainWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)

	holder := NewRedisLock(rdb, "k", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		holder.Release(context.Background())
	}()

	waiter := NewRedisLock(rdb, "k", time.Minute)
	require.NoError(t, Obtain(ctx, waiter, 5*time.Millisecond))
}

func TestObtainGivesUpWithContext(t *testing.T) {
	_, rdb := newRedis(t)
	holder := NewRedisLock(rdb, "k", time.Minute)
	_, err := holder.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Obtain(ctx, NewRedisLock(rdb, "k", time.Minute), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestAcquireFailsWhenRedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	_, err := NewRedisLock(rdb, "k", time.Minute).Acquire(context.Background())
	assert.Error(t, err)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "refresh-cache")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
