// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events provides a small synchronous publish/subscribe registry
// keyed by event name.
package events

import (
	"sort"
	"sync"
)

// Handler receives an emitted value.
type Handler[T any] func(T)

// Bus maps event names to registered handlers. Each registration gets a
// handle that Off uses to remove it. Emit runs handlers on a snapshot, so
// handlers may register or unregister handlers, including themselves,
// without affecting the delivery in progress.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler[T]
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[string]map[uint64]Handler[T])}
}

// On registers h for event and returns its handle.
func (b *Bus[T]) On(event string, h Handler[T]) uint64 {
	if h == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	set, ok := b.handlers[event]
	if !ok {
		set = make(map[uint64]Handler[T])
		b.handlers[event] = set
	}
	set[id] = h
	return id
}

// Off removes the handler with the given handle. It reports whether a
// handler was removed.
func (b *Bus[T]) Off(event string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.handlers[event]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.handlers, event)
	}
	return true
}

// Emit calls every handler registered for event in registration order.
// It returns the number of handlers called.
func (b *Bus[T]) Emit(event string, v T) int {
	hs := b.snapshot(event)
	for _, h := range hs {
		h(v)
	}
	return len(hs)
}

func (b *Bus[T]) snapshot(event string) []Handler[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.handlers[event]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	hs := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		hs = append(hs, set[id])
	}
	return hs
}

// Count returns the number of handlers registered for event.
func (b *Bus[T]) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Clear removes all handlers for event, or every handler when event is empty.
func (b *Bus[T]) Clear(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event == "" {
		b.handlers = make(map[string]map[uint64]Handler[T])
		return
	}
	delete(b.handlers, event)
}
