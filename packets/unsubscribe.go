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

// Unsubscribe is an internal representation of the fields of the UNSUBSCRIBE MQTT packet.
type Unsubscribe struct {
	FixedHeader
	ID     uint16
	Topics []string
}

// NewUnsubscribe returns an UNSUBSCRIBE packet for the given filters.
func NewUnsubscribe(id uint16, filters ...string) *Unsubscribe {
	return &Unsubscribe{
		FixedHeader: FixedHeader{PacketType: UnsubscribeType, QoS: 1},
		ID:          id,
		Topics:      filters,
	}
}

func (pkt *Unsubscribe) Type() byte {
	return UnsubscribeType
}

func (pkt *Unsubscribe) String() string {
	return fmt.Sprintf("%s\npacket_id: %d topics: %s", pkt.FixedHeader, pkt.ID, strings.Join(pkt.Topics, ","))
}

func (pkt *Unsubscribe) Encode() []byte {
	body := codec.EncodeUint16(pkt.ID)
	for _, t := range pkt.Topics {
		body = append(body, codec.EncodeString(t)...)
	}
	pkt.FixedHeader = FixedHeader{PacketType: UnsubscribeType, QoS: 1}
	return frame(&pkt.FixedHeader, body)
}

func (pkt *Unsubscribe) unpack(r *bytes.Reader) error {
	var err error
	if pkt.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	for r.Len() > 0 {
		topic, err := codec.DecodeString(r)
		if err != nil {
			return err
		}
		pkt.Topics = append(pkt.Topics, topic)
	}
	if len(pkt.Topics) == 0 {
		return errors.New("unsubscribe without topic filters")
	}
	return nil
}
