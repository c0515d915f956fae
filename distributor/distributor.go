// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package distributor defines the contract every protocol adapter
// implements, together with the shared health and statistics state and
// helpers for optional capabilities.
package distributor

import (
	"context"
	"strings"
	"time"
)

// Capability is a set of optional distributor behaviors.
type Capability uint16

// Capabilities.
const (
	CapSend Capability = 1 << iota
	CapReceive
	CapSubscribe
	CapBroadcast
	CapPersistent
	CapRealTime
	CapHighFrequency
	CapReliable
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapSend, "send"},
	{CapReceive, "receive"},
	{CapSubscribe, "subscribe"},
	{CapBroadcast, "broadcast"},
	{CapPersistent, "persistent"},
	{CapRealTime, "real-time"},
	{CapHighFrequency, "high-frequency"},
	{CapReliable, "reliable"},
}

// Has reports whether every capability in other is present.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Names returns the capability names in declaration order.
func (c Capability) Names() []string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.c) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capability) String() string {
	return strings.Join(c.Names(), "|")
}

// Status is the connection status reported in Health.
type Status string

// Statuses.
const (
	StatusInitializing Status = "initializing"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
	StatusUnknown      Status = "unknown"
)

// Healthy reports whether the status counts as healthy.
func (s Status) Healthy() bool {
	return s == StatusConnected
}

// Health is a distributor's health record.
type Health struct {
	Status    Status        `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Uptime    time.Duration `json:"uptime"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats holds distributor counters.
type Stats struct {
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	Errors           uint64    `json:"errors"`
	BytesSent        uint64    `json:"bytes_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
	LastActivity     time.Time `json:"last_activity"`
}

// SendOptions tune a single send.
type SendOptions struct {
	// Broadcast asks the distributor to ignore per-recipient filters.
	Broadcast bool
	// Topic overrides the destination topic or path where supported.
	Topic string
	// QoS and Retain apply to MQTT.
	QoS    byte
	Retain bool
	// Headers are added to HTTP requests.
	Headers map[string]string
	// Target restricts delivery to a single recipient where supported.
	Target string
}

// SendResult describes a completed send.
type SendResult struct {
	// Delivered is the number of recipients the event was written to.
	Delivered int
	// Bytes is the encoded payload size.
	Bytes int
}

// MessageHandler receives messages from a subscription.
type MessageHandler func(topic string, payload []byte)

// Distributor delivers events over one transport.
type Distributor interface {
	Name() string
	Capabilities() Capability
	Enabled() bool
	SetEnabled(enabled bool)

	// Connect is idempotent: a call made while connected or connecting
	// does not open a second transport.
	Connect(ctx context.Context) error
	// Disconnect is idempotent and leaves the status disconnected.
	Disconnect(ctx context.Context) error

	Send(ctx context.Context, event string, data any, opts SendOptions) (SendResult, error)

	Health() Health
	Stats() Stats

	// Cleanup disconnects and marks the distributor stopped. Calls after
	// the first are no-ops.
	Cleanup(ctx context.Context) error
}

// Broadcaster is implemented by distributors with a dedicated broadcast path.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data any, opts SendOptions) (SendResult, error)
}

// Subscriber is implemented by distributors that can receive messages.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
}
