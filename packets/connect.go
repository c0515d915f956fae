// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

// Connect flag bits.
const (
	connectUsernameFlag = 0x80
	connectPasswordFlag = 0x40
	connectWillRetain   = 0x20
	connectWillFlag     = 0x04
	connectCleanSession = 0x02
)

// Connect is an internal representation of the fields of the CONNECT MQTT packet.
type Connect struct {
	FixedHeader
	ProtocolName    string
	ProtocolVersion byte
	CleanSession    bool
	KeepAlive       uint16
	ClientID        string

	WillFlag    bool
	WillQoS     byte
	WillRetain  bool
	WillTopic   string
	WillMessage []byte

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

// NewConnect returns a CONNECT packet for MQTT 3.1.1.
func NewConnect(clientID string, keepAlive uint16, cleanSession bool) *Connect {
	return &Connect{
		FixedHeader:     FixedHeader{PacketType: ConnectType},
		ProtocolName:    ProtocolName,
		ProtocolVersion: ProtocolLevel,
		CleanSession:    cleanSession,
		KeepAlive:       keepAlive,
		ClientID:        clientID,
	}
}

// SetCredentials sets the username and password fields and their flags.
func (pkt *Connect) SetCredentials(username, password string) {
	if username != "" {
		pkt.UsernameFlag = true
		pkt.Username = username
	}
	if password != "" {
		pkt.PasswordFlag = true
		pkt.Password = []byte(password)
	}
}

func (pkt *Connect) Type() byte {
	return ConnectType
}

func (pkt *Connect) String() string {
	return fmt.Sprintf("%s\nprotocol: %s v%d client_id: %s clean_session: %t keep_alive: %d username: %s",
		pkt.FixedHeader, pkt.ProtocolName, pkt.ProtocolVersion, pkt.ClientID, pkt.CleanSession, pkt.KeepAlive, pkt.Username)
}

func (pkt *Connect) flags() byte {
	var f byte
	if pkt.UsernameFlag {
		f |= connectUsernameFlag
	}
	if pkt.PasswordFlag {
		f |= connectPasswordFlag
	}
	if pkt.WillFlag {
		f |= connectWillFlag
		f |= (pkt.WillQoS & 0x03) << 3
		if pkt.WillRetain {
			f |= connectWillRetain
		}
	}
	if pkt.CleanSession {
		f |= connectCleanSession
	}
	return f
}

func (pkt *Connect) Encode() []byte {
	var body []byte
	body = append(body, codec.EncodeString(pkt.ProtocolName)...)
	body = append(body, pkt.ProtocolVersion, pkt.flags())
	body = append(body, codec.EncodeUint16(pkt.KeepAlive)...)
	body = append(body, codec.EncodeString(pkt.ClientID)...)
	if pkt.WillFlag {
		body = append(body, codec.EncodeString(pkt.WillTopic)...)
		body = append(body, codec.EncodeBytes(pkt.WillMessage)...)
	}
	if pkt.UsernameFlag {
		body = append(body, codec.EncodeString(pkt.Username)...)
	}
	if pkt.PasswordFlag {
		body = append(body, codec.EncodeBytes(pkt.Password)...)
	}
	pkt.FixedHeader.PacketType = ConnectType
	return frame(&pkt.FixedHeader, body)
}

func (pkt *Connect) unpack(r *bytes.Reader) error {
	var err error
	if pkt.ProtocolName, err = codec.DecodeString(r); err != nil {
		return err
	}
	if pkt.ProtocolVersion, err = codec.DecodeByte(r); err != nil {
		return err
	}
	flags, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	pkt.UsernameFlag = flags&connectUsernameFlag > 0
	pkt.PasswordFlag = flags&connectPasswordFlag > 0
	pkt.WillRetain = flags&connectWillRetain > 0
	pkt.WillQoS = (flags >> 3) & 0x03
	pkt.WillFlag = flags&connectWillFlag > 0
	pkt.CleanSession = flags&connectCleanSession > 0

	if pkt.KeepAlive, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if pkt.ClientID, err = codec.DecodeString(r); err != nil {
		return err
	}
	if pkt.WillFlag {
		if pkt.WillTopic, err = codec.DecodeString(r); err != nil {
			return err
		}
		if pkt.WillMessage, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}
	if pkt.UsernameFlag {
		if pkt.Username, err = codec.DecodeString(r); err != nil {
			return err
		}
	}
	if pkt.PasswordFlag {
		if pkt.Password, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}
	return nil
}
