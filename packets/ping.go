// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// PingReq is an internal representation of the fields of the PINGREQ MQTT packet.
type PingReq struct {
	FixedHeader
}

// NewPingReq returns a PINGREQ packet.
func NewPingReq() *PingReq {
	return &PingReq{FixedHeader: FixedHeader{PacketType: PingReqType}}
}

func (pkt *PingReq) Type() byte {
	return PingReqType
}

func (pkt *PingReq) String() string {
	return pkt.FixedHeader.String()
}

func (pkt *PingReq) Encode() []byte {
	return frame(&pkt.FixedHeader, nil)
}

// PingResp is an internal representation of the fields of the PINGRESP MQTT packet.
type PingResp struct {
	FixedHeader
}

// NewPingResp returns a PINGRESP packet.
func NewPingResp() *PingResp {
	return &PingResp{FixedHeader: FixedHeader{PacketType: PingRespType}}
}

func (pkt *PingResp) Type() byte {
	return PingRespType
}

func (pkt *PingResp) String() string {
	return pkt.FixedHeader.String()
}

func (pkt *PingResp) Encode() []byte {
	return frame(&pkt.FixedHeader, nil)
}
