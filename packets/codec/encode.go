// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// MaxVBI is the largest value a four byte Variable Byte Integer can hold.
const MaxVBI = 268435455

// AppendUint16 appends num in network byte order.
func AppendUint16(dst []byte, num uint16) []byte {
	return append(dst, byte(num>>8), byte(num))
}

// AppendBytes appends field with its two byte length prefix.
func AppendBytes(dst, field []byte) []byte {
	dst = AppendUint16(dst, uint16(len(field)))
	return append(dst, field...)
}

// AppendString appends a length-prefixed UTF-8 string.
func AppendString(dst []byte, field string) []byte {
	dst = AppendUint16(dst, uint16(len(field)))
	return append(dst, field...)
}

// AppendVBI appends num as a Variable Byte Integer: seven bits per byte,
// least significant group first, high bit set while more bytes follow.
// Values outside 0..MaxVBI must be rejected by the caller.
func AppendVBI(dst []byte, num int) []byte {
	v := uint32(num)
	for i := 0; i < 4; i++ {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
	return dst
}

func EncodeUint16(num uint16) []byte {
	return AppendUint16(make([]byte, 0, 2), num)
}

func EncodeBytes(field []byte) []byte {
	return AppendBytes(make([]byte, 0, 2+len(field)), field)
}

func EncodeString(field string) []byte {
	return AppendString(make([]byte, 0, 2+len(field)), field)
}

func EncodeVBI(num int) []byte {
	return AppendVBI(make([]byte, 0, 4), num)
}

func EncodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
