// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

// ConnAck is an internal representation of the fields of the CONNACK MQTT packet.
type ConnAck struct {
	FixedHeader
	SessionPresent bool
	ReturnCode     byte
}

// NewConnAck returns a CONNACK packet.
func NewConnAck(code byte, sessionPresent bool) *ConnAck {
	return &ConnAck{
		FixedHeader:    FixedHeader{PacketType: ConnAckType},
		SessionPresent: sessionPresent,
		ReturnCode:     code,
	}
}

func (pkt *ConnAck) Type() byte {
	return ConnAckType
}

func (pkt *ConnAck) String() string {
	return fmt.Sprintf("%s\nsession_present: %t return_code: %d", pkt.FixedHeader, pkt.SessionPresent, pkt.ReturnCode)
}

func (pkt *ConnAck) Encode() []byte {
	pkt.FixedHeader.PacketType = ConnAckType
	return frame(&pkt.FixedHeader, []byte{codec.EncodeBool(pkt.SessionPresent), pkt.ReturnCode})
}

func (pkt *ConnAck) unpack(r *bytes.Reader) error {
	flags, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	pkt.SessionPresent = flags&0x01 > 0
	pkt.ReturnCode, err = codec.DecodeByte(r)
	return err
}
