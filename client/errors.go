// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrEmptyHost   = errors.New("broker host cannot be empty")
	ErrInvalidPort = errors.New("broker port must be between 1 and 65535")

	// Connection errors.
	ErrNotConnected         = errors.New("client not connected")
	ErrConnectFailed        = errors.New("connection failed")
	ErrConnectTimeout       = errors.New("connection timeout")
	ErrConnectionLost       = errors.New("connection lost")
	ErrMaxReconnectAttempts = errors.New("maximum reconnect attempts exceeded")
	ErrDisconnectedByClient = errors.New("disconnected by client")

	// Operation errors.
	ErrAckTimeout      = errors.New("acknowledgment timed out")
	ErrMaxInflight     = errors.New("no free packet identifier")
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0 or 1)")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrNilHandler      = errors.New("message handler cannot be nil")
	ErrSubscribeFailed = errors.New("subscription failed")
)

// ConnAckCode represents MQTT CONNACK return codes.
type ConnAckCode byte

// MQTT 3.1.1 CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected:
		return "client identifier rejected"
	case ConnRefusedUnavailable:
		return "server unavailable"
	case ConnRefusedBadAuth:
		return "bad username or password"
	case ConnRefusedNotAuth:
		return "not authorized"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return "connection refused: " + c.String()
}
