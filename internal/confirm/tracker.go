package confirm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/retry"
)

// State is the terminal view of a submitted transaction.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

// StatusFunc polls chain state for one transaction. Errors are routed
// through the retry engine; the wait only aborts once retries are exhausted.
type StatusFunc func(ctx context.Context) (State, error)

// Result reports how a wait ended.
type Result struct {
	State    State
	Attempts int
	Elapsed  time.Duration
}

// Concurrency bounds for batch confirmation. Account-model RPC endpoints
// tolerate fewer parallel status queries than Solana-style ones.
const (
	accountModelConcurrency      = 3
	associatedAccountConcurrency = 8
)

// Tracker waits for transactions to reach a terminal state, adapting poll
// interval and timeout to the target chain's cadence.
type Tracker struct {
	logger  *zap.Logger
	retrier *retry.Executor
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleep injects the poll delay, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

// New constructs a Tracker.
func New(logger *zap.Logger, retrier *retry.Executor, opts ...Option) *Tracker {
	t := &Tracker{
		logger:  logger.Named("confirm"),
		retrier: retrier,
		now:     time.Now,
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
		opt(t)
	}
	return t
}

// congestionFactor stands in for a real congestion oracle: the busy UTC
// window gets a longer timeout, quiet hours the baseline.
func congestionFactor(at time.Time) float64 {
	switch hour := at.UTC().Hour(); {
	case hour >= 13 && hour < 21:
		return 1.5
	case hour >= 6 && hour < 13:
		return 1.2
	default:
		return 1.0
	}
}

// intervalFactor widens the poll interval as the wait ages, to cut RPC load
// on long confirmations.
func intervalFactor(elapsed, timeout time.Duration) float64 {
	ratio := float64(elapsed) / float64(timeout)
	switch {
	case ratio >= 0.8:
		return 2.0
	case ratio >= 0.5:
		return 1.5
	default:
		return 1.0
	}
}

// Wait polls status until the transaction confirms, fails, or the adaptive
// timeout elapses. A timeout is reported in the Result, not as an error;
// only context cancellation or exhausted poll retries produce one.
func (t *Tracker) Wait(ctx context.Context, chain chains.Config, status StatusFunc) (Result, error) {
	start := t.now()
	timeout := time.Duration(float64(chain.BaseConfirmTimeout) * congestionFactor(start))

	baseInterval := chain.BlockTime
	if baseInterval < 500*time.Millisecond {
		baseInterval = 500 * time.Millisecond
	}

	policy := retry.PolicyFor(retry.DomainNetwork)
	classifier := retry.ClassifierFor(retry.DomainChainRPC)

	result := Result{State: StatePending}
	for {
		result.Attempts++

		state, err := retry.DoValue(ctx, t.retrier, policy, classifier, status)
		if err != nil {
			result.Elapsed = t.now().Sub(start)
			return result, err
		}
		if state == StateConfirmed || state == StateFailed {
			result.State = state
			result.Elapsed = t.now().Sub(start)
			return result, nil
		}

		elapsed := t.now().Sub(start)
		if elapsed >= timeout {
			result.State = StateTimeout
			result.Elapsed = elapsed
			t.logger.Warn("confirmation timed out",
				zap.String("chain", chain.ID),
				zap.Duration("timeout", timeout),
				zap.Int("attempts", result.Attempts))
			return result, nil
		}

		interval := time.Duration(float64(baseInterval) * intervalFactor(elapsed, timeout))
		if err := t.sleep(ctx, interval); err != nil {
			result.Elapsed = t.now().Sub(start)
			return result, err
		}
	}
}

// WaitForMany confirms a set of transactions with bounded concurrency.
// Results are keyed by the input keys (typically transaction hashes).
func (t *Tracker) WaitForMany(ctx context.Context, chain chains.Config, statuses map[string]StatusFunc) (map[string]Result, error) {
	limit := int64(accountModelConcurrency)
	if chain.Family == chains.FamilyAssociatedAccount {
		limit = associatedAccountConcurrency
	}

	sem := semaphore.NewWeighted(limit)
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(statuses))
		wg      sync.WaitGroup
	)

	for key, status := range statuses {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return results, err
		}
		wg.Add(1)
		go func(key string, status StatusFunc) {
			defer wg.Done()
			defer sem.Release(1)

			res, err := t.Wait(ctx, chain, status)
			if err != nil {
				res.State = StateTimeout
				t.logger.Warn("confirmation wait aborted",
					zap.String("tx", key), zap.Error(err))
			}
			mu.Lock()
			results[key] = res
			mu.Unlock()
		}(key, status)
	}

	wg.Wait()
	return results, nil
}
