// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/synopticon/distribution/packets/codec"
)

// Publish is an internal representation of the fields of the PUBLISH MQTT packet.
type Publish struct {
	FixedHeader
	TopicName string
	ID        uint16
	Payload   []byte
}

// NewPublish returns a PUBLISH packet. The packet ID is only encoded for QoS > 0.
func NewPublish(topic string, payload []byte, qos byte, retain bool, id uint16) *Publish {
	return &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType, QoS: qos, Retain: retain},
		TopicName:   topic,
		ID:          id,
		Payload:     payload,
	}
}

func (pkt *Publish) Type() byte {
	return PublishType
}

func (pkt *Publish) String() string {
	return fmt.Sprintf("%s\ntopic_name: %s packet_id: %d payload_length: %d", pkt.FixedHeader, pkt.TopicName, pkt.ID, len(pkt.Payload))
}

// Size returns the remaining length the packet will encode to.
func (pkt *Publish) Size() int {
	n := 2 + len(pkt.TopicName) + len(pkt.Payload)
	if pkt.QoS > 0 {
		n += 2
	}
	return n
}

func (pkt *Publish) Encode() []byte {
	body := make([]byte, 0, pkt.Size())
	body = append(body, codec.EncodeString(pkt.TopicName)...)
	if pkt.QoS > 0 {
		body = append(body, codec.EncodeUint16(pkt.ID)...)
	}
	body = append(body, pkt.Payload...)
	pkt.FixedHeader.PacketType = PublishType
	return frame(&pkt.FixedHeader, body)
}

func (pkt *Publish) unpack(r *bytes.Reader) error {
	var err error
	if pkt.TopicName, err = codec.DecodeString(r); err != nil {
		return err
	}
	if pkt.QoS > 0 {
		if pkt.ID, err = codec.DecodeUint16(r); err != nil {
			return err
		}
	}
	pkt.Payload, err = io.ReadAll(r)
	return err
}
