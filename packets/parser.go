// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"fmt"

	"github.com/synopticon/distribution/packets/codec"
)

// Parser reassembles MQTT packets from a byte stream delivered in arbitrary
// chunks. It keeps undecoded trailing bytes between calls and must only be
// fed by a single reader.
type Parser struct {
	buf     []byte
	maxSize int
}

// NewParser creates a parser. maxSize bounds the remaining length of a single
// packet; 0 accepts anything the protocol can express.
func NewParser(maxSize int) *Parser {
	if maxSize <= 0 || maxSize > codec.MaxVBI {
		maxSize = codec.MaxVBI
	}
	return &Parser{maxSize: maxSize}
}

// Parse appends chunk to the internal buffer and returns every complete packet
// now available, in stream order. Incomplete trailing bytes are kept for the
// next call.
//
// A malformed remaining length leaves the stream unframeable, so the buffer is
// dropped and ErrMalformedLength returned. A complete frame whose body fails
// to decode is skipped; the following frames are still returned alongside the
// error.
func (p *Parser) Parse(chunk []byte) ([]Packet, error) {
	p.buf = append(p.buf, chunk...)

	var (
		pkts []Packet
		errs []error
	)

	for len(p.buf) >= 2 {
		remaining, n, err := codec.DecodeVBIBytes(p.buf[1:])
		if errors.Is(err, codec.ErrBufferTooShort) {
			break
		}
		if err != nil {
			p.buf = nil
			errs = append(errs, fmt.Errorf("%w: %v", ErrMalformedLength, err))
			break
		}
		if remaining > p.maxSize {
			p.buf = nil
			errs = append(errs, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, p.maxSize))
			break
		}

		total := 1 + n + remaining
		if len(p.buf) < total {
			break
		}

		fh := parseFixedHeader(p.buf[0], remaining)
		body := append([]byte(nil), p.buf[1+n:total]...)
		p.buf = p.buf[total:]

		pkt, err := decode(fh, body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pkts = append(pkts, pkt)
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}

	return pkts, errors.Join(errs...)
}

// Buffered returns the number of bytes waiting for the rest of their packet.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops any buffered bytes.
func (p *Parser) Reset() {
	p.buf = nil
}
