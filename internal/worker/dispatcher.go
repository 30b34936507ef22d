package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

// Handler processes one job. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, job FileJob) error

// Exhausted is told about a job that failed on its last allowed attempt.
// The job is not delivered again.
type Exhausted func(ctx context.Context, job FileJob, err error)

// Dispatcher delivers jobs at least once and at most MaxAttempts times.
type Dispatcher interface {
	Publish(ctx context.Context, job FileJob) error
	// Consume runs handler for delivered jobs until ctx is done. exhausted
	// may be nil.
	Consume(ctx context.Context, handler Handler, exhausted Exhausted) error
	Close() error
}

const defaultMaxAttempts = 5

// retryDelay grows linearly with the attempt that just failed.
func retryDelay(base time.Duration, failed int) time.Duration {
	return base * time.Duration(failed)
}

func giveUp(ctx context.Context, exhausted Exhausted, job FileJob, err error) {
	logger.Error("job dropped after max attempts", "file", job.FileID, "attempts", job.Attempt, "error", err)
	if exhausted != nil {
		exhausted(ctx, job, err)
	}
}

// ErrDispatcherClosed is returned by Publish after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// =============================================================================
// LOCAL DISPATCHER
// =============================================================================

// LocalDispatcher is an in-process queue for single-binary deployments and
// tests. A failed job is re-queued after a delay until MaxAttempts.
type LocalDispatcher struct {
	MaxAttempts int
	RetryDelay  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan FileJob
	wg     sync.WaitGroup
}

// NewLocalDispatcher creates a queue holding up to size pending jobs.
func NewLocalDispatcher(size, maxAttempts int) *LocalDispatcher {
	if size <= 0 {
		size = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &LocalDispatcher{
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Second,
		queue:       make(chan FileJob, size),
	}
}

func (d *LocalDispatcher) Publish(ctx context.Context, job FileJob) error {
	job.Attempt = 1
	return d.push(ctx, job)
}

func (d *LocalDispatcher) push(ctx context.Context, job FileJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LocalDispatcher) Consume(ctx context.Context, handler Handler, exhausted Exhausted) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, handler, exhausted, job)
		}
	}
}

func (d *LocalDispatcher) deliver(ctx context.Context, handler Handler, exhausted Exhausted, job FileJob) {
	err := handler(ctx, job)
	if err == nil || ctx.Err() != nil {
		return
	}
	if job.Attempt >= d.MaxAttempts {
		giveUp(ctx, exhausted, job, err)
		return
	}
	logger.Warn("job failed; re-queuing", "file", job.FileID, "attempt", job.Attempt, "error", err)
	delay := retryDelay(d.RetryDelay, job.Attempt)
	job.Attempt++

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := d.push(context.WithoutCancel(ctx), job); err != nil {
			logger.Error("re-queue failed", "file", job.FileID, "error", err)
		}
	}()
}

// Close stops accepting jobs. Jobs still queued are dropped; with the local
// driver the server re-publishes unfinished files on start.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	d.mu.Lock()
	close(d.queue)
	d.mu.Unlock()
	return nil
}

// =============================================================================
// QUEUE DISPATCHER (message broker)
// =============================================================================

// MessageQueue is a broker connection with manual acknowledgement: a nil
// handler error acks the message, any other error requeues it.
type MessageQueue interface {
	Publish(ctx context.Context, body []byte) error
	Consume(ctx context.Context, handle func(ctx context.Context, body []byte) error) error
	Close() error
}

// QueueDispatcher carries FileJobs as JSON over a MessageQueue. The attempt
// count travels in the message: a failed job is acked and re-published with
// the next attempt number, so the cap holds on any broker queue type.
type QueueDispatcher struct {
	q           MessageQueue
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewQueueDispatcher wraps q. maxAttempts <= 0 uses 5.
func NewQueueDispatcher(q MessageQueue, maxAttempts int) *QueueDispatcher {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &QueueDispatcher{q: q, MaxAttempts: maxAttempts, RetryDelay: time.Second}
}

func (d *QueueDispatcher) Publish(ctx context.Context, job FileJob) error {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return d.q.Publish(ctx, body)
}

func (d *QueueDispatcher) Consume(ctx context.Context, handler Handler, exhausted Exhausted) error {
	return d.q.Consume(ctx, func(ctx context.Context, body []byte) error {
		var job FileJob
		if err := json.Unmarshal(body, &job); err != nil {
			// A malformed message never becomes valid; drop it.
			logger.Error("dropping malformed job message", "error", err)
			return nil
		}
		if job.Attempt <= 0 {
			job.Attempt = 1
		}
		err := handler(ctx, job)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Shutting down: leave the message for the next consumer.
			return err
		}
		if job.Attempt >= d.MaxAttempts {
			giveUp(ctx, exhausted, job, err)
			return nil
		}

		logger.Warn("job failed; re-publishing", "file", job.FileID, "attempt", job.Attempt, "error", err)
		timer := time.NewTimer(retryDelay(d.RetryDelay, job.Attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
		job.Attempt++
		if perr := d.Publish(ctx, job); perr != nil {
			// The broker redelivers the original; the attempt is not counted.
			return fmt.Errorf("re-publish job: %w", perr)
		}
		return nil
	})
}

func (d *QueueDispatcher) Close() error { return d.q.Close() }
