// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the MQTT 3.1.1 control packets used by the
// distribution client: builders for everything the client sends, decoders
// for everything a broker may send back, and a streaming Parser that
// reassembles packets from arbitrary TCP read boundaries.
package packets

import (
	"bytes"
	"errors"
	"fmt"
)

// Protocol constants.
const (
	ProtocolName  = "MQTT"
	ProtocolLevel byte = 0x04 // MQTT 3.1.1
)

// Packet type constants.
const (
	ConnectType byte = iota + 1 // 0 value is forbidden
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
)

// SubAckFailure is the SUBACK return code signalling a refused subscription.
const SubAckFailure byte = 0x80

// PacketNames maps packet type constants to string names.
var PacketNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
}

var (
	// ErrMalformedLength indicates a remaining length field that is not a
	// valid Variable Byte Integer.
	ErrMalformedLength = errors.New("malformed remaining length")

	// ErrMalformedPacket indicates a complete frame whose body does not
	// match the layout of its packet type.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrPacketTooLarge indicates a frame larger than the parser accepts.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")

	// ErrSubscriptionFailed is reported by SubAck.Err when the broker refused
	// at least one topic filter.
	ErrSubscriptionFailed = errors.New("subscription refused by broker")
)

// Packet is the interface for all MQTT control packets.
type Packet interface {
	// Type returns the packet type constant.
	Type() byte

	// Encode serializes the packet, fixed header included.
	Encode() []byte

	// String returns a human-readable representation.
	String() string
}

// TypeName returns the name of a packet type, or UNKNOWN(n).
func TypeName(t byte) string {
	if name, ok := PacketNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}

// decode builds the packet variant matching the fixed header from a complete body.
func decode(fh FixedHeader, body []byte) (Packet, error) {
	r := bytes.NewReader(body)

	var pkt interface {
		Packet
		unpack(r *bytes.Reader) error
	}

	switch fh.PacketType {
	case ConnectType:
		pkt = &Connect{FixedHeader: fh}
	case ConnAckType:
		pkt = &ConnAck{FixedHeader: fh}
	case PublishType:
		pkt = &Publish{FixedHeader: fh}
	case PubAckType:
		pkt = &PubAck{FixedHeader: fh}
	case SubscribeType:
		pkt = &Subscribe{FixedHeader: fh}
	case SubAckType:
		pkt = &SubAck{FixedHeader: fh}
	case UnsubscribeType:
		pkt = &Unsubscribe{FixedHeader: fh}
	case UnsubAckType:
		pkt = &UnsubAck{FixedHeader: fh}
	case PingReqType:
		return &PingReq{FixedHeader: fh}, nil
	case PingRespType:
		return &PingResp{FixedHeader: fh}, nil
	case DisconnectType:
		return &Disconnect{FixedHeader: fh}, nil
	default:
		return &Unknown{FixedHeader: fh, Body: body}, nil
	}

	if err := pkt.unpack(r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, TypeName(fh.PacketType), err)
	}
	return pkt, nil
}
