// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/synopticon/distribution/packets/codec"
)

// SubAck is an internal representation of the fields of the SUBACK MQTT packet.
type SubAck struct {
	FixedHeader
	ID          uint16
	ReturnCodes []byte
}

// NewSubAck returns a SUBACK packet with one return code per requested filter.
func NewSubAck(id uint16, codes ...byte) *SubAck {
	return &SubAck{
		FixedHeader: FixedHeader{PacketType: SubAckType},
		ID:          id,
		ReturnCodes: codes,
	}
}

func (pkt *SubAck) Type() byte {
	return SubAckType
}

func (pkt *SubAck) String() string {
	return fmt.Sprintf("%s\npacket_id: %d return_codes: %v", pkt.FixedHeader, pkt.ID, pkt.ReturnCodes)
}

func (pkt *SubAck) Encode() []byte {
	body := codec.EncodeUint16(pkt.ID)
	body = append(body, pkt.ReturnCodes...)
	pkt.FixedHeader.PacketType = SubAckType
	return frame(&pkt.FixedHeader, body)
}

// Err returns ErrSubscriptionFailed when any return code is the 0x80 failure code.
func (pkt *SubAck) Err() error {
	for i, rc := range pkt.ReturnCodes {
		if rc == SubAckFailure {
			return fmt.Errorf("%w: filter %d", ErrSubscriptionFailed, i)
		}
	}
	return nil
}

func (pkt *SubAck) unpack(r *bytes.Reader) error {
	var err error
	if pkt.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	pkt.ReturnCodes, err = io.ReadAll(r)
	return err
}
