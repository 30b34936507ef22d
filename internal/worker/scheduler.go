package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/metrics"
	"github.com/venugopal1902/email-verifier/internal/rowsource"
	"github.com/venugopal1902/email-verifier/internal/service/credit"
	"github.com/venugopal1902/email-verifier/internal/verify"
)

// =============================================================================
// CHUNK SCHEDULER - batched file verification
// =============================================================================
// reader goroutine → batch channel → N batch workers
// A batch is the unit of commit and of retry: its results, the file counters
// and its done-marker are written in one transaction, and a failed attempt
// refunds every charge the batch made before it runs again.
// =============================================================================

const (
	DefaultBatchSize        = 5000
	DefaultBatchWorkers     = 4
	DefaultMaxBatchAttempts = 3

	reasonInsufficientCredits = "insufficient credits"
	reasonCancelled           = "cancelled by account"
)

// Verifier classifies one row.
type Verifier interface {
	Verify(ctx context.Context, row verify.Row) (domain.VerificationResult, error)
}

// Ledger is the part of the credit service the scheduler needs.
type Ledger interface {
	RollbackBatch(ctx context.Context, accountID, fileID string, batchSeq int) (int, error)
	Reconcile(ctx context.Context, accountID, fileID string, results []domain.VerificationResult) (credit.ReconcileReport, error)
}

// SchedulerConfig tunes a ChunkScheduler. Zero values pick the defaults.
type SchedulerConfig struct {
	BatchSize        int
	Workers          int
	MaxBatchAttempts int
	// RetryDelay is the pause before the first batch retry; it doubles
	// on every further attempt.
	RetryDelay time.Duration
	// Reconcile checks the file's charges against its results when done.
	Reconcile bool
}

// ChunkScheduler splits a file into batches and verifies them on a bounded
// pool of workers.
type ChunkScheduler struct {
	files    FileRepository
	verifier Verifier
	ledger   Ledger
	cfg      SchedulerConfig
	metrics  *metrics.Metrics
	log      *zerolog.Logger
}

// NewChunkScheduler creates a scheduler. m may be nil.
func NewChunkScheduler(files FileRepository, verifier Verifier, ledger Ledger, cfg SchedulerConfig, m *metrics.Metrics) *ChunkScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBatchWorkers
	}
	if cfg.MaxBatchAttempts <= 0 {
		cfg.MaxBatchAttempts = DefaultMaxBatchAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &ChunkScheduler{
		files:    files,
		verifier: verifier,
		ledger:   ledger,
		cfg:      cfg,
		metrics:  m,
		log:      logger.Named("scheduler"),
	}
}

type batch struct {
	seq  int
	rows []rowsource.Row
}

// fileRun is the shared state of one Run call.
type fileRun struct {
	job       FileJob
	tenant    domain.Tenant
	halted    atomic.Bool
	cancelled atomic.Bool
	batches   atomic.Int64
	skipped   atomic.Int64
}

// Run processes a file to completion. It is safe to call again for the same
// file after a crash or a redelivered job: committed batches are skipped
// and uncommitted ones are rolled back and re-run.
//
// A nil return means the job is finished (DONE, FAILED or CANCELLED). An
// error means the file is still PROCESSING and the job should be retried.
func (s *ChunkScheduler) Run(ctx context.Context, job FileJob, rows rowsource.Source) error {
	run := &fileRun{job: job, tenant: job.Tenant()}
	log := s.log.With().Str("account", job.AccountID).Str("file", job.FileID).Logger()

	file, err := s.files.Start(ctx, run.tenant, job.FileID)
	if errors.Is(err, domain.ErrFileTerminal) {
		log.Info().Msg("file already finished; nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start file: %w", err)
	}
	if file.CancelRequested {
		return s.finish(ctx, run, domain.FileCancelled, reasonCancelled)
	}

	committed, err := s.files.CommittedBatches(ctx, run.tenant, job.FileID)
	if err != nil {
		return fmt.Errorf("load committed batches: %w", err)
	}

	started := time.Now()
	log.Info().Int("resumed_batches", len(committed)).Msg("file processing started")

	batchCh := make(chan batch, s.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error {
			for b := range batchCh {
				if err := s.processBatch(gctx, run, b); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var readErr error
	g.Go(func() error {
		defer close(batchCh)
		readErr = s.readBatches(gctx, run, rows, committed, batchCh)
		return nil
	})

	err = g.Wait()
	elapsed := time.Since(started)

	switch {
	case ctx.Err() != nil:
		log.Warn().Err(ctx.Err()).Msg("file processing interrupted; will resume")
		return ctx.Err()
	case err != nil:
		log.Error().Err(err).Msg("batch failed permanently")
		return s.finish(ctx, run, domain.FileFailed, err.Error())
	case readErr != nil:
		return fmt.Errorf("read rows: %w", readErr)
	}

	log.Info().Int64("batches", run.batches.Load()).Int64("skipped", run.skipped.Load()).
		Dur("elapsed", elapsed).Msg("file processing finished")

	switch {
	case run.cancelled.Load():
		return s.finish(ctx, run, domain.FileCancelled, reasonCancelled)
	case run.halted.Load():
		return s.finish(ctx, run, domain.FileDone, reasonInsufficientCredits)
	}
	return s.finish(ctx, run, domain.FileDone, "")
}

// readBatches groups rows into fixed-size batches. Batch numbers follow row
// positions, so a re-read of the same file yields the same batches.
// Dispatch stops when the account cancels the file.
func (s *ChunkScheduler) readBatches(ctx context.Context, run *fileRun, rows rowsource.Source, committed map[int]bool, out chan<- batch) error {
	cur := batch{rows: make([]rowsource.Row, 0, s.cfg.BatchSize)}
	send := func() error {
		b := cur
		cur = batch{seq: b.seq + 1, rows: make([]rowsource.Row, 0, s.cfg.BatchSize)}
		if committed[b.seq] {
			run.skipped.Add(1)
			s.metrics.Batch("skipped")
			return nil
		}
		if s.cancelRequested(ctx, run) {
			return errCancelled
		}
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		cur.rows = append(cur.rows, row)
		if len(cur.rows) == s.cfg.BatchSize {
			if err := send(); err != nil {
				return ignoreCancelled(err)
			}
		}
	}
	if len(cur.rows) > 0 {
		return ignoreCancelled(send())
	}
	return nil
}

var errCancelled = errors.New("file cancelled")

func ignoreCancelled(err error) error {
	if errors.Is(err, errCancelled) {
		return nil
	}
	return err
}

func (s *ChunkScheduler) cancelRequested(ctx context.Context, run *fileRun) bool {
	if run.cancelled.Load() {
		return true
	}
	f, err := s.files.Get(ctx, run.tenant, run.job.FileID)
	if err != nil {
		// Keep going; the next batch checks again.
		s.log.Warn().Err(err).Str("file", run.job.FileID).Msg("could not read cancel flag")
		return false
	}
	if f.CancelRequested {
		run.cancelled.Store(true)
	}
	return run.cancelled.Load()
}

// processBatch verifies and commits one batch, retrying the whole batch on
// infrastructure failure. Each attempt starts by refunding any charges a
// previous, uncommitted attempt left behind.
func (s *ChunkScheduler) processBatch(ctx context.Context, run *fileRun, b batch) error {
	var lastErr error
	delay := s.cfg.RetryDelay
	for attempt := 1; attempt <= s.cfg.MaxBatchAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.Batch("retried")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			delay *= 2
		}

		started := time.Now()
		lastErr = s.attemptBatch(ctx, run, b)
		if lastErr == nil {
			run.batches.Add(1)
			s.metrics.Batch("committed")
			s.metrics.BatchDuration(time.Since(started).Seconds())
			return nil
		}
		if ctx.Err() != nil {
			s.rollback(run, b.seq)
			return ctx.Err()
		}
		s.log.Warn().Err(lastErr).Str("file", run.job.FileID).Int("batch", b.seq).
			Int("attempt", attempt).Msg("batch attempt failed")
	}
	s.rollback(run, b.seq)
	s.metrics.Batch("failed")
	return fmt.Errorf("batch %d failed after %d attempts: %w", b.seq, s.cfg.MaxBatchAttempts, lastErr)
}

func (s *ChunkScheduler) attemptBatch(ctx context.Context, run *fileRun, b batch) error {
	if _, err := s.ledger.RollbackBatch(ctx, run.tenant.AccountID, run.job.FileID, b.seq); err != nil {
		return fmt.Errorf("refund previous attempt: %w", err)
	}

	results := make([]domain.VerificationResult, 0, len(b.rows))
	blocked := run.halted.Load()
	for _, r := range b.rows {
		if blocked {
			results = append(results, blockedResult(run.job.FileID, b.seq, r))
			continue
		}
		res, err := s.verifier.Verify(ctx, verify.Row{
			Tenant:   run.tenant,
			FileID:   run.job.FileID,
			BatchSeq: b.seq,
			RowIndex: r.Index,
			Email:    r.Email,
		})
		if errors.Is(err, domain.ErrInsufficientCredits) {
			blocked = true
			results = append(results, res)
			continue
		}
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	err := s.files.CommitBatch(ctx, run.tenant, run.job.FileID, b.seq, results)
	if errors.Is(err, domain.ErrDuplicate) {
		// A concurrent delivery of the same job committed it first. Charges
		// are keyed by row, so both attempts paid once.
		s.log.Info().Str("file", run.job.FileID).Int("batch", b.seq).Msg("batch already committed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	if blocked && !run.halted.Swap(true) {
		s.log.Warn().Str("account", run.tenant.AccountID).Str("file", run.job.FileID).
			Msg("account out of credits; remaining rows are blocked")
	}
	return nil
}

func blockedResult(fileID string, seq int, r rowsource.Row) domain.VerificationResult {
	return domain.VerificationResult{
		FileID:         fileID,
		BatchSeq:       seq,
		RowIndex:       r.Index,
		Email:          r.Email,
		Classification: domain.ClassBlockedNoCredit,
		Detail:         reasonInsufficientCredits,
		CreatedAt:      time.Now().UTC(),
	}
}

// rollback refunds an abandoned batch. It runs even when ctx is done.
func (s *ChunkScheduler) rollback(run *fileRun, seq int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.ledger.RollbackBatch(ctx, run.tenant.AccountID, run.job.FileID, seq); err != nil {
		// The next attempt (or redelivery) refunds before re-running.
		s.log.Error().Err(err).Str("file", run.job.FileID).Int("batch", seq).Msg("batch rollback failed")
	}
}

func (s *ChunkScheduler) finish(ctx context.Context, run *fileRun, status domain.FileStatus, reason string) error {
	err := s.files.Finish(ctx, run.tenant, run.job.FileID, status, reason)
	if errors.Is(err, domain.ErrFileTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish file: %w", err)
	}
	s.metrics.Batch("file_" + strings.ToLower(string(status)))
	s.log.Info().Str("file", run.job.FileID).Str("status", string(status)).Str("reason", reason).Msg("file finished")

	if s.cfg.Reconcile && status == domain.FileDone {
		s.reconcile(ctx, run)
	}
	return nil
}

func (s *ChunkScheduler) reconcile(ctx context.Context, run *fileRun) {
	results, err := s.files.Results(ctx, run.tenant, run.job.FileID, 0, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("file", run.job.FileID).Msg("reconcile skipped")
		return
	}
	report, err := s.ledger.Reconcile(ctx, run.tenant.AccountID, run.job.FileID, results)
	if err != nil {
		s.log.Warn().Err(err).Str("file", run.job.FileID).Msg("reconcile failed")
		return
	}
	if len(report.Faults) > 0 {
		s.log.Warn().Str("file", run.job.FileID).Int("faults", len(report.Faults)).
			Int("refunded", report.Refunded).Msg("credit consistency faults reconciled")
	}
}
