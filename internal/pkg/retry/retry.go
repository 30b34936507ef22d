// Package retry runs single infrastructure operations with exponential
// backoff and jitter. Only errors classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

// jitter spreads each delay over +/-50% of the nominal interval.
const jitter = 0.5

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to domain.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy is used for shard and durable-store calls.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

// NoRetry runs the operation exactly once.
var NoRetry = Policy{MaxRetries: 0}

// Do runs fn until it succeeds, returns a non-retryable error, the retry
// budget is exhausted, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsTransient
	}
	tries := p.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}

	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debug("retrying operation", "op", op, "delay", delay, "err", err)
		}),
	)
	if err == nil {
		return nil
	}
	// A cancelled wait reports the context; callers classify the cause.
	if lastErr != nil {
		return lastErr
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// backOff builds the exponential schedule: BaseDelay doubling up to
// MaxDelay, each step jittered.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultPolicy.BaseDelay
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultPolicy.MaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}
