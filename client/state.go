// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State is the connection state of a Client. A client moves
// disconnected → connecting → connected → disconnecting → disconnected.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// connState holds a State for lock-free reads from the read and
// keep-alive loops.
type connState struct {
	v atomic.Uint32
}

func (cs *connState) load() State {
	return State(cs.v.Load())
}

func (cs *connState) store(s State) {
	cs.v.Store(uint32(s))
}

// swap moves from one state to another and reports whether the client
// was in from.
func (cs *connState) swap(from, to State) bool {
	return cs.v.CompareAndSwap(uint32(from), uint32(to))
}

func (cs *connState) isConnected() bool {
	return cs.load() == StateConnected
}
