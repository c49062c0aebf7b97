// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
)

// maxLengthBytes is the largest number of bytes a remaining length may use.
const maxLengthBytes = 4

// MaxRemainingLength is the largest remaining length which can be encoded.
const MaxRemainingLength = 268435455

// decodeUint16 extracts the value of two bytes from a byte array.
func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrInsufficientBytes
	}

	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

// decodeBytes extracts a length-prefixed byte array, beginning at an offset.
// A zero length prefix or one running past the end of buf is rejected.
func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return nil, 0, ErrInvalidUTF8Length
	}

	if length == 0 || next+int(length) > len(buf) {
		return nil, 0, ErrInvalidUTF8Length
	}

	return buf[next : next+int(length)], next + int(length), nil
}

// decodeString extracts a length-prefixed string, beginning at an offset.
func decodeString(buf []byte, offset int) (string, int, error) {
	b, n, err := decodeBytes(buf, offset)
	if err != nil {
		return "", 0, err
	}

	return string(b), n, nil
}

// decodeByte extracts the value of a byte from a byte array.
func decodeByte(buf []byte, offset int) (byte, int, error) {
	if len(buf) <= offset {
		return 0, 0, ErrInsufficientBytes
	}
	return buf[offset], offset + 1, nil
}

// encodeBool returns a byte instead of a bool.
func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// encodeUint16 encodes a uint16 value to a byte array.
func encodeUint16(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

// encodeBytes encodes a byte array with a two byte length prefix.
func encodeBytes(val []byte) []byte {
	buf := make([]byte, 2, 2+len(val))
	binary.BigEndian.PutUint16(buf, uint16(len(val)))
	return append(buf, val...)
}

// encodeString encodes a string with a two byte length prefix.
func encodeString(val string) []byte {
	buf := make([]byte, 2, 2+len(val))
	binary.BigEndian.PutUint16(buf, uint16(len(val)))
	return append(buf, val...)
}

// encodeLength writes the remaining length as a variable byte integer.
func encodeLength(b *bytes.Buffer, length int64) {
	for {
		eb := byte(length % 128)
		length /= 128
		if length > 0 {
			eb |= 0x80
		}
		b.WriteByte(eb)
		if length == 0 {
			break
		}
	}
}

// DecodeLength decodes a variable byte integer from the start of buf. It
// returns the value, the number of bytes it occupied, and false if buf ends
// before the final byte of the integer.
func DecodeLength(buf []byte) (n, bu int, complete bool, err error) {
	var multiplier int = 1
	for bu < len(buf) {
		eb := buf[bu]
		bu++
		n += int(eb&127) * multiplier
		if eb&128 == 0 {
			return n, bu, true, nil
		}

		if bu == maxLengthBytes {
			return 0, 0, false, ErrMalformedRemainingLength
		}
		multiplier *= 128
	}

	return n, bu, false, nil
}
