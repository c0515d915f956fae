// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

// Event names emitted by the client.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventMessage      = "message"
	EventError        = "error"
	EventReconnecting = "reconnecting"
)

// Event is passed to handlers registered with Client.On.
type Event struct {
	Name string

	// Err is set for error events and for disconnect events caused by a
	// lost connection.
	Err error

	// Message is set for message events.
	Message *Message

	// Attempt is the 1-based reconnect attempt for reconnecting events.
	Attempt int
}

// EventHandler handles client events.
type EventHandler func(Event)
