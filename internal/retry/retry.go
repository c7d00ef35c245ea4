package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy describes an exponential backoff schedule. The delay before attempt
// n (n ≥ 2) is BaseDelay × Multiplier^(n-2), capped at MaxDelay, plus up to
// JitterFraction of the computed delay so concurrent batches do not retry in
// lockstep.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
}

// Default policies per operation domain. Chain RPC calls recover slowly and
// are expensive to give up on; storage either answers quickly or is down.
func PolicyFor(domain Domain) Policy {
	switch domain {
	case DomainChainRPC:
		return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2.0, MaxDelay: 60 * time.Second, JitterFraction: 0.1}
	case DomainStorage:
		return Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second, JitterFraction: 0.1}
	default:
		return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second, JitterFraction: 0.1}
	}
}

// Delay returns the backoff before the given attempt (attempt 1 has no
// delay), without jitter. Exposed so the schedule is testable as data.
func Delay(p Policy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Executor runs operations under a retry policy. Sleep and jitter sources
// are injectable so schedules can be asserted with a fake clock.
type Executor struct {
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the timer-based sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitterSource replaces the jitter randomness, for tests.
func WithJitterSource(f func() float64) Option {
	return func(e *Executor) { e.randFloat = f }
}

// New constructs an Executor.
func New(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:    logger.Named("retry"),
		randFloat: rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op under the policy, classifying each failure. A non-retryable
// error is returned immediately; retryable errors are retried until the
// attempt limit, with the last error wrapped.
func (e *Executor) Do(ctx context.Context, p Policy, c *Classifier, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := Delay(p, attempt); d > 0 {
			d += time.Duration(e.randFloat() * p.JitterFraction * float64(d))
			if err := e.sleep(ctx, d); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !c.Retryable(lastErr) {
			return lastErr
		}
		e.logger.Warn("retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(lastErr))
	}
	return fmt.Errorf("operation failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, e *Executor, p Policy, c *Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, p, c, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
