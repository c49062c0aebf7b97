// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  // the number of remaining bytes in the payload.
	Type      byte // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       QoS  // indicates the quality of service expected.
	Dup       bool // indicates if the packet was already sent at an earlier time.
	Retain    bool // whether the message should be retained.
}

// Encode encodes the FixedHeader and returns a bytes buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | byte(fh.Qos)<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the type and flag bits from the header byte. The qos bits
// are mutually exclusive by contract; the lower bit wins if both are set.
func (fh *FixedHeader) Decode(hb byte) {
	fh.Type = hb >> 4
	fh.Dup = (hb>>3)&0x01 > 0
	fh.Retain = hb&0x01 > 0

	switch {
	case hb&0x02 > 0:
		fh.Qos = AtLeastOnce
	case hb&0x04 > 0:
		fh.Qos = ExactlyOnce
	default:
		fh.Qos = AtMostOnce
	}
}
