// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	// 5 per second, burst of 2.
	l := NewLimiter(5, 2, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("http_s1"))
	assert.True(t, l.Allow("http_s1"))
	assert.False(t, l.Allow("http_s1"), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Allow("http_s1"), "token refilled")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	l.Remove("a")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("a"))
}

func TestLimiterRemovesStale(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Stop()

	l.Allow("old")
	l.removeStale(time.Now().Add(time.Second))
	assert.Zero(t, l.Len())
}

func TestCleanupLoop(t *testing.T) {
	l := NewLimiter(1, 1, 10*time.Millisecond)
	defer l.Stop()

	l.Allow("a")
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNilLimiterAllows(t *testing.T) {
	l := New(Config{Enabled: false, PerSecond: 1, Burst: 1})
	assert.Nil(t, l)

	for range 10 {
		assert.True(t, l.Allow("x"))
	}
	l.Remove("x")
	l.Stop()
	assert.Zero(t, l.Len())
}

func TestStopIdempotent(t *testing.T) {
	l := New(Config{Enabled: true, PerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	l.Stop()
	l.Stop()
}
