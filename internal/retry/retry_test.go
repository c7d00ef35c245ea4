package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExecutor(slept *[]time.Duration) *Executor {
	return New(zap.NewNop(),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		}),
		WithJitterSource(func() float64 { return 0 }),
	)
}

func TestNonRetryableFailsAfterOneAttempt(t *testing.T) {
	var slept []time.Duration
	e := newTestExecutor(&slept)

	attempts := 0
	err := e.Do(context.Background(), PolicyFor(DomainChainRPC), ClassifierFor(DomainChainRPC),
		func(context.Context) error {
			attempts++
			return errors.New("execution reverted: transfer amount exceeds balance")
		})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, slept)
}

func TestRetryableRetriedUpToMaxAttempts(t *testing.T) {
	var slept []time.Duration
	e := newTestExecutor(&slept)
	policy := PolicyFor(DomainChainRPC)

	attempts := 0
	err := e.Do(context.Background(), policy, ClassifierFor(DomainChainRPC),
		func(context.Context) error {
			attempts++
			return errors.New("429 too many requests")
		})

	require.Error(t, err)
	assert.Equal(t, policy.MaxAttempts, attempts)
	assert.Contains(t, err.Error(), "after 5 attempts")

	// Delays strictly increase until the cap.
	require.Len(t, slept, policy.MaxAttempts-1)
	for i := 1; i < len(slept); i++ {
		if slept[i-1] < policy.MaxDelay {
			assert.Greater(t, slept[i], slept[i-1])
		}
		assert.LessOrEqual(t, slept[i], policy.MaxDelay)
	}
}

func TestUnknownErrorTreatedAsRetryable(t *testing.T) {
	var slept []time.Duration
	e := newTestExecutor(&slept)

	attempts := 0
	err := e.Do(context.Background(), PolicyFor(DomainStorage), ClassifierFor(DomainStorage),
		func(context.Context) error {
			attempts++
			return errors.New("something entirely novel")
		})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	e := newTestExecutor(&slept)

	attempts := 0
	result, err := DoValue(context.Background(), e, PolicyFor(DomainNetwork), ClassifierFor(DomainNetwork),
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("connection refused")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
}

func TestDelaySchedule(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 2 * time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Duration(0), Delay(p, 1))
	assert.Equal(t, 2*time.Second, Delay(p, 2))
	assert.Equal(t, 4*time.Second, Delay(p, 3))
	assert.Equal(t, 8*time.Second, Delay(p, 4))
	assert.Equal(t, 10*time.Second, Delay(p, 5)) // capped
	assert.Equal(t, 10*time.Second, Delay(p, 6))
}

func TestNonRetryableTakesPrecedence(t *testing.T) {
	c := NewClassifier([]string{"fatal"}, []string{"timeout"})
	assert.False(t, c.Retryable(errors.New("fatal timeout while sending")))
	assert.True(t, c.Retryable(errors.New("timeout while sending")))
}

func TestSleepCancelledByContext(t *testing.T) {
	e := New(zap.NewNop(), WithJitterSource(func() float64 { return 0 }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, PolicyFor(DomainChainRPC), ClassifierFor(DomainChainRPC),
		func(context.Context) error { return errors.New("rate limit") })
	require.ErrorIs(t, err, context.Canceled)
}
