// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry provides a bounded retry policy with pluggable backoff.
// The sleeper is injectable so callers can test retry timing without
// real delays.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Linear waits base × attempt.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Sleeper pauses between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper waits on a real timer and returns early on context cancellation.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})

// Policy is a bounded retry policy.
type Policy struct {
	MaxAttempts int // at least one attempt is always made
	Backoff     Backoff
	Sleeper     Sleeper
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends or MaxAttempts is reached. fn receives the 1-based attempt number.
// The number of attempts made is always returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, lastErr)
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if err := sleeper.Sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("retry cancelled during backoff after attempt %d: %w", attempt, lastErr)
		}
	}

	if maxAttempts == 1 {
		return 1, lastErr
	}
	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
