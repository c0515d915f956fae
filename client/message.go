// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/synopticon/distribution/packets"
)

// Message represents an MQTT message received from the broker.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Dup       bool
	PacketID  uint16
	Timestamp time.Time
}

// MessageHandler is called for every message matching a subscription.
type MessageHandler func(*Message)

func messageFromPublish(p *packets.Publish) *Message {
	return &Message{
		Topic:     p.TopicName,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Dup:       p.Dup,
		PacketID:  p.ID,
		Timestamp: time.Now(),
	}
}
