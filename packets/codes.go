// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a reason code and reason string for a decode failure.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	ErrMalformedPacket          = Code{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedRemainingLength = Code{Code: 0x81, Reason: "malformed packet: remaining length"}
	ErrMalformedPacketType      = Code{Code: 0x81, Reason: "malformed packet: unexpected packet type"}
	ErrInsufficientBytes        = Code{Code: 0x81, Reason: "malformed packet: insufficient bytes"}
	ErrInvalidUTF8Length        = Code{Code: 0x81, Reason: "malformed packet: invalid utf-8 string length"}
	ErrInvalidLength            = Code{Code: 0x81, Reason: "malformed packet: invalid payload length"}
	ErrInvalidPacketID          = Code{Code: 0x81, Reason: "malformed packet: packet identifier is zero"}
	ErrInvalidConnack           = Code{Code: 0x82, Reason: "protocol violation: connack reserved bits not 0"}
	ErrInvalidSuback            = Code{Code: 0x82, Reason: "protocol violation: suback reserved bits not 0"}
)
