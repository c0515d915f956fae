// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// Disconnect is an internal representation of the fields of the DISCONNECT MQTT packet.
type Disconnect struct {
	FixedHeader
}

// NewDisconnect returns a DISCONNECT packet.
func NewDisconnect() *Disconnect {
	return &Disconnect{FixedHeader: FixedHeader{PacketType: DisconnectType}}
}

func (pkt *Disconnect) Type() byte {
	return DisconnectType
}

func (pkt *Disconnect) String() string {
	return pkt.FixedHeader.String()
}

func (pkt *Disconnect) Encode() []byte {
	return frame(&pkt.FixedHeader, nil)
}
