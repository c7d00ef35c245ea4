package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/chains"
	"github.com/multisender-app/multisender/internal/retry"
)

// fakeClock advances only when the tracker sleeps.
type fakeClock struct {
	now time.Time
}

func newTestTracker(clock *fakeClock) *Tracker {
	retrier := retry.New(zap.NewNop(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
		retry.WithJitterSource(func() float64 { return 0 }),
	)
	return New(zap.NewNop(), retrier,
		WithClock(func() time.Time { return clock.now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			clock.now = clock.now.Add(d)
			return nil
		}),
	)
}

// quiet-hour start keeps the congestion factor at 1.0 so timeout math is
// exact in assertions.
var quietHour = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

func testChain() chains.Config {
	return chains.Config{
		ID:                 "ethereum",
		Family:             chains.FamilyAccountModel,
		BlockTime:          12 * time.Second,
		BaseConfirmTimeout: 3 * time.Minute,
	}
}

func TestWaitConfirmedOnThirdPoll(t *testing.T) {
	clock := &fakeClock{now: quietHour}
	tracker := newTestTracker(clock)

	calls := 0
	res, err := tracker.Wait(context.Background(), testChain(), func(context.Context) (State, error) {
		calls++
		if calls == 3 {
			return StateConfirmed, nil
		}
		return StatePending, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Equal(t, 3, res.Attempts)
}

func TestWaitTimesOut(t *testing.T) {
	clock := &fakeClock{now: quietHour}
	tracker := newTestTracker(clock)

	res, err := tracker.Wait(context.Background(), testChain(), func(context.Context) (State, error) {
		return StatePending, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateTimeout, res.State)
	assert.GreaterOrEqual(t, res.Attempts, 1)
	assert.GreaterOrEqual(t, res.Elapsed, 3*time.Minute)
}

func TestWaitReportsChainFailure(t *testing.T) {
	clock := &fakeClock{now: quietHour}
	tracker := newTestTracker(clock)

	res, err := tracker.Wait(context.Background(), testChain(), func(context.Context) (State, error) {
		return StateFailed, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
}

func TestPollErrorsRetriedNotFatal(t *testing.T) {
	clock := &fakeClock{now: quietHour}
	tracker := newTestTracker(clock)

	calls := 0
	res, err := tracker.Wait(context.Background(), testChain(), func(context.Context) (State, error) {
		calls++
		if calls == 1 {
			return StatePending, errors.New("connection reset by peer")
		}
		return StateConfirmed, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	// The transient error is absorbed inside the first poll attempt.
	assert.Equal(t, 1, res.Attempts)
}

func TestIntervalWidensLateInTheWait(t *testing.T) {
	assert.Equal(t, 1.0, intervalFactor(10*time.Second, 100*time.Second))
	assert.Equal(t, 1.5, intervalFactor(50*time.Second, 100*time.Second))
	assert.Equal(t, 2.0, intervalFactor(80*time.Second, 100*time.Second))
}

func TestCongestionFactorByTimeOfDay(t *testing.T) {
	assert.Equal(t, 1.0, congestionFactor(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1.2, congestionFactor(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1.5, congestionFactor(time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)))
}

func TestWaitForManyBoundedConcurrency(t *testing.T) {
	clock := &fakeClock{now: quietHour}
	tracker := newTestTracker(clock)

	statuses := make(map[string]StatusFunc, 20)
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		statuses[key] = func(context.Context) (State, error) { return StateConfirmed, nil }
	}

	results, err := tracker.WaitForMany(context.Background(), testChain(), statuses)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for _, res := range results {
		assert.Equal(t, StateConfirmed, res.State)
	}
}
