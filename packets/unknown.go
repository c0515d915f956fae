// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import "fmt"

// Unknown carries a packet whose type the client does not interpret
// (QoS 2 flow packets, reserved types). The header flags and raw body are
// kept so the frame can be inspected or re-encoded unchanged.
type Unknown struct {
	FixedHeader
	Body []byte
}

func (pkt *Unknown) Type() byte {
	return pkt.PacketType
}

func (pkt *Unknown) String() string {
	return fmt.Sprintf("%s\nflags: 0x%x body_length: %d", pkt.FixedHeader, pkt.Flags(), len(pkt.Body))
}

func (pkt *Unknown) Encode() []byte {
	return frame(&pkt.FixedHeader, append([]byte(nil), pkt.Body...))
}
