// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	// ErrMalformedVBI is returned when a Variable Byte Integer does not
	// terminate within four bytes.
	ErrMalformedVBI = errors.New("malformed variable byte integer")

	// ErrBufferTooShort is returned when the buffer ends before a complete
	// value could be decoded. More data may complete it.
	ErrBufferTooShort = errors.New("buffer too short")
)

const maxVBIBytes = 4

func DecodeByte(r io.Reader) (byte, error) {
	b := make([]byte, 1)
	_, err := io.ReadFull(r, b)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeUint16(r io.Reader) (uint16, error) {
	num := make([]byte, 2)
	_, err := io.ReadFull(r, num)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(num), nil
}

func DecodeBytes(r io.Reader) ([]byte, error) {
	fieldLength, err := DecodeUint16(r)
	if err != nil {
		return nil, err
	}

	field := make([]byte, fieldLength)
	_, err = io.ReadFull(r, field)
	if err != nil {
		return nil, err
	}

	return field, nil
}

func DecodeString(r io.Reader) (string, error) {
	buf, err := DecodeBytes(r)
	return string(buf), err
}

// DecodeVBI is used for Variable Byte Integers used to
// encode length in a minimal way.
func DecodeVBI(r io.Reader) (int, error) {
	var vbi uint32
	var shift uint32
	b := make([]byte, 1)

	for i := 0; i < maxVBIBytes; i++ {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		vbi |= uint32(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			return int(vbi), nil
		}
		shift += 7
	}
	return 0, ErrMalformedVBI
}

// DecodeVBIBytes decodes a Variable Byte Integer from the start of data.
// It returns the value and the number of bytes consumed. ErrBufferTooShort
// means data ends inside the integer.
func DecodeVBIBytes(data []byte) (int, int, error) {
	var vbi uint32
	var shift uint32

	for i := 0; i < maxVBIBytes; i++ {
		if i >= len(data) {
			return 0, 0, ErrBufferTooShort
		}
		b := data[i]
		vbi |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return int(vbi), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedVBI
}
