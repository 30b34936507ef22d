package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/repository/memory"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []FileJob
	err  error
}

func (d *recordingDispatcher) Publish(_ context.Context, job FileJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) Consume(ctx context.Context, _ Handler, _ Exhausted) error {
	<-ctx.Done()
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

func TestQueueRecoveryRepublishesStaleFiles(t *testing.T) {
	ctx := context.Background()
	files := memory.NewFileRepo()
	t1 := domain.Tenant{AccountID: "acct-1", Partition: "p1"}
	t2 := domain.Tenant{AccountID: "acct-2", Partition: "p2"}
	require.NoError(t, files.Create(ctx, t1, &domain.FileUpload{ID: "waiting"}))
	require.NoError(t, files.Create(ctx, t2, &domain.FileUpload{ID: "stuck"}))
	require.NoError(t, files.Create(ctx, t1, &domain.FileUpload{ID: "done"}))
	_, err := files.Start(ctx, t2, "stuck")
	require.NoError(t, err)
	_, err = files.Start(ctx, t1, "done")
	require.NoError(t, err)
	require.NoError(t, files.Finish(ctx, t1, "done", domain.FileDone, ""))

	d := &recordingDispatcher{}
	qr := NewQueueRecoveryWorker(files, d, time.Minute, 30*time.Minute)
	qr.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := qr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byFile := map[string]FileJob{}
	for _, j := range d.jobs {
		byFile[j.FileID] = j
	}
	require.Contains(t, byFile, "stuck")
	assert.Equal(t, "p2", byFile["stuck"].Partition)
	assert.Equal(t, "acct-2/stuck.csv", byFile["stuck"].ObjectKey)
	assert.NotContains(t, byFile, "done")
}

func TestQueueRecoveryIgnoresFreshFiles(t *testing.T) {
	ctx := context.Background()
	files := memory.NewFileRepo()
	require.NoError(t, files.Create(ctx, domain.Tenant{AccountID: "acct-1"}, &domain.FileUpload{ID: "new"}))

	d := &recordingDispatcher{}
	n, err := NewQueueRecoveryWorker(files, d, 0, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRecoveryStopsOnPublishError(t *testing.T) {
	ctx := context.Background()
	files := memory.NewFileRepo()
	require.NoError(t, files.Create(ctx, domain.Tenant{AccountID: "acct-1"}, &domain.FileUpload{ID: "a"}))

	d := &recordingDispatcher{err: errors.New("broker down")}
	qr := NewQueueRecoveryWorker(files, d, 0, time.Minute)
	qr.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err := qr.Sweep(ctx)
	assert.Error(t, err)
}

type heldLock struct{ held bool }

func (l *heldLock) Acquire(context.Context) (bool, error) { return !l.held, nil }
func (l *heldLock) Release(context.Context) error         { return nil }

func TestQueueRecoverySkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	files := memory.NewFileRepo()
	require.NoError(t, files.Create(ctx, domain.Tenant{AccountID: "acct-1"}, &domain.FileUpload{ID: "a"}))

	d := &recordingDispatcher{}
	lock := &heldLock{held: true}
	qr := NewQueueRecoveryWorker(files, d, 0, time.Minute).WithLock(lock)
	qr.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := qr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, d.jobs)

	lock.held = false
	n, err = qr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
