// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func TestPolicySucceedsAfterRetries(t *testing.T) {
	sleeper := &fakeSleeper{}
	p := Policy{MaxAttempts: 3, Backoff: Linear(time.Second), Sleeper: sleeper}

	calls := 0
	attempts, err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestPolicyExhaustsAttempts(t *testing.T) {
	sleeper := &fakeSleeper{}
	p := Policy{MaxAttempts: 2, Backoff: Linear(time.Second), Sleeper: sleeper}
	boom := errors.New("boom")

	attempts, err := p.Do(context.Background(), func(int) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

func TestPolicyNonRetryable(t *testing.T) {
	sleeper := &fakeSleeper{}
	p := Policy{MaxAttempts: 5, Backoff: Linear(time.Second), Sleeper: sleeper}
	boom := errors.New("rejected")

	attempts, err := p.Do(context.Background(), func(int) error { return NonRetryable(boom) })

	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.delays)
}

func TestPolicyZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	attempts, err := Policy{}.Do(context.Background(), func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestPolicyContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Backoff: Linear(time.Hour)}

	attempts, err := p.Do(ctx, func(int) error {
		cancel()
		return errors.New("fail")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}

func TestTimerSleeperCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := TimerSleeper.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLinearBackoff(t *testing.T) {
	linear := Linear(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, linear(1))
	assert.Equal(t, 300*time.Millisecond, linear(3))
}

func TestNonRetryableNil(t *testing.T) {
	assert.NoError(t, NonRetryable(nil))
	assert.False(t, IsNonRetryable(errors.New("plain")))
}
