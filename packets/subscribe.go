// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/synopticon/distribution/packets/codec"
)

// Topic is a topic filter with its requested QoS.
type Topic struct {
	Name string
	QoS  byte
}

// Subscribe is an internal representation of the fields of the SUBSCRIBE MQTT packet.
type Subscribe struct {
	FixedHeader
	ID     uint16
	Topics []Topic
}

// NewSubscribe returns a SUBSCRIBE packet requesting qos for every filter.
func NewSubscribe(id uint16, qos byte, filters ...string) *Subscribe {
	topics := make([]Topic, 0, len(filters))
	for _, f := range filters {
		topics = append(topics, Topic{Name: f, QoS: qos})
	}
	return &Subscribe{
		FixedHeader: FixedHeader{PacketType: SubscribeType, QoS: 1},
		ID:          id,
		Topics:      topics,
	}
}

func (pkt *Subscribe) Type() byte {
	return SubscribeType
}

func (pkt *Subscribe) String() string {
	names := make([]string, 0, len(pkt.Topics))
	for _, t := range pkt.Topics {
		names = append(names, fmt.Sprintf("%s:%d", t.Name, t.QoS))
	}
	return fmt.Sprintf("%s\npacket_id: %d topics: %s", pkt.FixedHeader, pkt.ID, strings.Join(names, ","))
}

func (pkt *Subscribe) Encode() []byte {
	body := codec.EncodeUint16(pkt.ID)
	for _, t := range pkt.Topics {
		body = append(body, codec.EncodeString(t.Name)...)
		body = append(body, t.QoS)
	}
	// Bits 3,2,1,0 of the fixed header are reserved and must be 0,0,1,0.
	pkt.FixedHeader = FixedHeader{PacketType: SubscribeType, QoS: 1}
	return frame(&pkt.FixedHeader, body)
}

func (pkt *Subscribe) unpack(r *bytes.Reader) error {
	var err error
	if pkt.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	for r.Len() > 0 {
		var t Topic
		if t.Name, err = codec.DecodeString(r); err != nil {
			return err
		}
		if t.QoS, err = codec.DecodeByte(r); err != nil {
			return err
		}
		pkt.Topics = append(pkt.Topics, t)
	}
	if len(pkt.Topics) == 0 {
		return errors.New("subscribe without topic filters")
	}
	return nil
}
