// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

const headerFormat = "type: %s dup: %t qos: %d retain: %t remaining_length: %d"

// FixedHeader represents the MQTT fixed header present in all packets.
type FixedHeader struct {
	PacketType      byte
	Dup             bool
	QoS             byte
	Retain          bool
	RemainingLength int
}

func (fh FixedHeader) String() string {
	return fmt.Sprintf(headerFormat, TypeName(fh.PacketType), fh.Dup, fh.QoS, fh.Retain, fh.RemainingLength)
}

// Flags returns the low nibble of the first header byte.
func (fh FixedHeader) Flags() byte {
	var dup, retain byte
	if fh.Dup {
		dup = 1
	}
	if fh.Retain {
		retain = 1
	}
	return dup<<3 | (fh.QoS&0x03)<<1 | retain
}

// Encode serializes the fixed header to bytes.
func (fh FixedHeader) Encode() []byte {
	ret := []byte{fh.PacketType<<4 | fh.Flags()}
	return append(ret, codec.EncodeVBI(fh.RemainingLength)...)
}

// parseFixedHeader splits the type/flags byte into a header.
func parseFixedHeader(typeAndFlags byte, remaining int) FixedHeader {
	return FixedHeader{
		PacketType:      typeAndFlags >> 4,
		Dup:             (typeAndFlags>>3)&0x01 > 0,
		QoS:             (typeAndFlags >> 1) & 0x03,
		Retain:          typeAndFlags&0x01 > 0,
		RemainingLength: remaining,
	}
}

// frame prepends the fixed header to body.
func frame(fh *FixedHeader, body []byte) []byte {
	fh.RemainingLength = len(body)
	return append(fh.Encode(), body...)
}
