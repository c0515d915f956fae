// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

// UnsubAck is an internal representation of the fields of the UNSUBACK MQTT packet.
type UnsubAck struct {
	FixedHeader
	ID uint16
}

// NewUnsubAck returns an UNSUBACK packet for the given packet ID.
func NewUnsubAck(id uint16) *UnsubAck {
	return &UnsubAck{FixedHeader: FixedHeader{PacketType: UnsubAckType}, ID: id}
}

func (pkt *UnsubAck) Type() byte {
	return UnsubAckType
}

func (pkt *UnsubAck) String() string {
	return fmt.Sprintf("%s\npacket_id: %d", pkt.FixedHeader, pkt.ID)
}

func (pkt *UnsubAck) Encode() []byte {
	pkt.FixedHeader.PacketType = UnsubAckType
	return frame(&pkt.FixedHeader, codec.EncodeUint16(pkt.ID))
}

func (pkt *UnsubAck) unpack(r *bytes.Reader) error {
	var err error
	pkt.ID, err = codec.DecodeUint16(r)
	return err
}
