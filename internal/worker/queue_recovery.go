package worker

import (
	"context"
	"time"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/distlock"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/storage"
)

// =============================================================================
// QUEUE RECOVERY WORKER: Republishes Files Whose Job Was Lost
// =============================================================================
// A file can be left UPLOADED (the publish failed after the upload was
// stored) or PROCESSING (the worker died and the queue gave up on the
// message). This worker periodically scans for such files and publishes
// their job again. Running a file twice is safe: committed batches are
// skipped and charges are per row.

const (
	// DefaultRecoveryInterval is how often we scan for stuck files.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a file may sit unfinished before we
	// assume its job is gone.
	DefaultStaleAge = 30 * time.Minute

	recoveryBatch = 100
)

// UnfinishedLister finds stuck files across all tenants.
type UnfinishedLister interface {
	Unfinished(ctx context.Context, before time.Time, limit int) ([]domain.FileUpload, error)
}

// QueueRecoveryWorker republishes jobs for files that stopped progressing.
type QueueRecoveryWorker struct {
	files    UnfinishedLister
	jobs     Dispatcher
	interval time.Duration
	staleAge time.Duration
	lock     distlock.DistLock
	now      func() time.Time
}

// NewQueueRecoveryWorker creates a recovery worker. Non-positive durations
// fall back to the defaults.
func NewQueueRecoveryWorker(files UnfinishedLister, jobs Dispatcher, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{files: files, jobs: jobs, interval: interval, staleAge: staleAge, now: time.Now}
}

// WithLock makes sweeps exclusive across replicas. A replica that cannot
// take the lock skips its sweep.
func (qr *QueueRecoveryWorker) WithLock(l distlock.DistLock) *QueueRecoveryWorker {
	qr.lock = l
	return qr
}

// Start runs a sweep immediately and then on every tick. It blocks until
// ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	logger.Info("[QueueRecovery] Starting", "interval", qr.interval.String(), "stale_age", qr.staleAge.String())

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		if n, err := qr.Sweep(ctx); err != nil {
			logger.Error("[QueueRecovery] sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("[QueueRecovery] republished stuck files", "count", n)
		}
		select {
		case <-ctx.Done():
			logger.Info("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
		}
	}
}

// Sweep republishes every stale unfinished file once and returns how many
// jobs it published.
func (qr *QueueRecoveryWorker) Sweep(ctx context.Context) (int, error) {
	if qr.lock != nil {
		ok, err := qr.lock.Acquire(ctx)
		if err != nil || !ok {
			return 0, err
		}
		defer func() {
			if err := qr.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("[QueueRecovery] release lock", "error", err)
			}
		}()
	}
	files, err := qr.files.Unfinished(ctx, qr.now().Add(-qr.staleAge), recoveryBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		job := FileJob{
			AccountID: f.AccountID,
			Partition: f.Partition,
			FileID:    f.ID,
			ObjectKey: storage.UploadKey(f.AccountID, f.ID),
		}
		if err := qr.jobs.Publish(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
