// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// pendingType identifies the type of pending operation.
type pendingType int

const (
	pendingPublish pendingType = iota
	pendingSubscribe
	pendingUnsubscribe
)

func (t pendingType) String() string {
	switch t {
	case pendingPublish:
		return "PUBACK"
	case pendingSubscribe:
		return "SUBACK"
	case pendingUnsubscribe:
		return "UNSUBACK"
	default:
		return "unknown"
	}
}

// pendingOp represents an operation waiting for acknowledgment.
type pendingOp struct {
	id      uint16
	opType  pendingType
	done    chan struct{}
	err     error
	result  []byte // SUBACK return codes
	created time.Time
}

// pendingStore correlates acknowledgments with their waiting operations by
// packet identifier. Identifiers are 16-bit, never 0, and an identifier is
// not handed out again while its operation is still in flight.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint16]*pendingOp
	nextID  uint16
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		pending: make(map[uint16]*pendingOp),
		nextID:  1,
	}
}

// register allocates a free packet ID and records a pending operation for it.
func (ps *pendingStore) register(opType pendingType) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// 65535 usable identifiers; stop once every one has been tried.
	for range 0xFFFF {
		id := ps.nextID
		ps.nextID++
		if ps.nextID == 0 {
			ps.nextID = 1
		}
		if _, inUse := ps.pending[id]; inUse {
			continue
		}

		op := &pendingOp{
			id:      id,
			opType:  opType,
			done:    make(chan struct{}),
			created: time.Now(),
		}
		ps.pending[id] = op
		return op, nil
	}
	return nil, ErrMaxInflight
}

// complete resolves the operation waiting on id. An acknowledgment of the
// wrong kind leaves the operation pending. Returns false when nothing
// matched.
func (ps *pendingStore) complete(id uint16, opType pendingType, err error, result []byte) bool {
	ps.mu.Lock()
	op, exists := ps.pending[id]
	if !exists || op.opType != opType {
		ps.mu.Unlock()
		return false
	}
	delete(ps.pending, id)
	ps.mu.Unlock()

	op.err = err
	op.result = result
	close(op.done)
	return true
}

// remove drops op without resolving it. It reports false when op is no
// longer in the store, i.e. it was resolved or cleared.
func (ps *pendingStore) remove(op *pendingOp) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cur, exists := ps.pending[op.id]; exists && cur == op {
		delete(ps.pending, op.id)
		return true
	}
	return false
}

// clear fails every pending operation with err.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[uint16]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the operation is acknowledged, timeout elapses or ctx
// ends. On timeout or cancellation the entry is removed from the store.
func (ps *pendingStore) wait(ctx context.Context, op *pendingOp, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return op.err
	case <-timer.C:
		if !ps.remove(op) {
			// Acknowledged while the timer fired.
			<-op.done
			return op.err
		}
		return fmt.Errorf("%w: %s for packet %d after %s", ErrAckTimeout, op.opType, op.id, timeout)
	case <-ctx.Done():
		if !ps.remove(op) {
			<-op.done
			return op.err
		}
		return ctx.Err()
	}
}
