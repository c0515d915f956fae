// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Base holds the identity, health and statistics shared by every adapter.
// Adapters embed it; the record is mutated only through its methods.
type Base struct {
	name    string
	caps    Capability
	enabled atomic.Bool
	stopped atomic.Bool

	mu          sync.RWMutex
	status      Status
	lastCheck   time.Time
	connectedAt time.Time
	lastError   string
	stats       Stats
}

// NewBase returns an enabled Base in the initializing state.
func NewBase(name string, caps Capability) *Base {
	b := &Base{
		name:      name,
		caps:      caps,
		status:    StatusInitializing,
		lastCheck: time.Now(),
	}
	b.enabled.Store(true)
	return b
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Capabilities() Capability {
	return b.caps
}

func (b *Base) Enabled() bool {
	return b.enabled.Load()
}

func (b *Base) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
}

// Status returns the current status.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetStatus records a status transition. Uptime restarts on every
// transition into connected.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if s == StatusConnected && b.status != StatusConnected {
		b.connectedAt = now
	}
	if s != StatusConnected {
		b.connectedAt = time.Time{}
	}
	b.status = s
	b.lastCheck = now
}

// SetError moves to the error status and records err.
func (b *Base) SetError(err error) {
	b.SetStatus(StatusError)
	b.RecordError(err)
}

// RecordSent counts one sent message of n bytes.
func (b *Base) RecordSent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.MessagesSent++
	b.stats.BytesSent += uint64(max(n, 0))
	b.stats.LastActivity = time.Now()
}

// RecordReceived counts one received message of n bytes.
func (b *Base) RecordReceived(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.MessagesReceived++
	b.stats.BytesReceived += uint64(max(n, 0))
	b.stats.LastActivity = time.Now()
}

// RecordError counts a failed operation.
func (b *Base) RecordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Errors++
	b.stats.LastActivity = time.Now()
	if err != nil {
		b.lastError = err.Error()
	}
}

// Health returns a snapshot of the health record.
func (b *Base) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := Health{
		Status:    b.status,
		LastCheck: b.lastCheck,
		LastError: b.lastError,
	}
	if b.status == StatusConnected && !b.connectedAt.IsZero() {
		h.Uptime = time.Since(b.connectedAt)
	}
	return h
}

// Stats returns a snapshot of the counters.
func (b *Base) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Stopped reports whether Stop has run.
func (b *Base) Stopped() bool {
	return b.stopped.Load()
}

// Stop runs disconnect once and marks the distributor stopped. Later
// calls return nil without calling disconnect.
func (b *Base) Stop(ctx context.Context, disconnect func(context.Context) error) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if disconnect != nil {
		err = disconnect(ctx)
	}
	b.SetStatus(StatusStopped)
	return err
}
