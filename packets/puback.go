// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

// PubAck is an internal representation of the fields of the PUBACK MQTT packet.
type PubAck struct {
	FixedHeader
	ID uint16
}

// NewPubAck returns a PUBACK packet for the given packet ID.
func NewPubAck(id uint16) *PubAck {
	return &PubAck{FixedHeader: FixedHeader{PacketType: PubAckType}, ID: id}
}

func (pkt *PubAck) Type() byte {
	return PubAckType
}

func (pkt *PubAck) String() string {
	return fmt.Sprintf("%s\npacket_id: %d", pkt.FixedHeader, pkt.ID)
}

func (pkt *PubAck) Encode() []byte {
	pkt.FixedHeader.PacketType = PubAckType
	return frame(&pkt.FixedHeader, codec.EncodeUint16(pkt.ID))
}

func (pkt *PubAck) unpack(r *bytes.Reader) error {
	var err error
	pkt.ID, err = codec.DecodeUint16(r)
	return err
}
