// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// All of the valid MQTT 3.1.1 packet types.
const (
	Reserved    byte = iota // 0 - we use this in packet tests to indicate special-test or all packets.
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
)

// Names is a map that provides human-readable names for the different
// MQTT packet types based on their IDs.
var Names = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// QoS is a delivery guarantee level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2

	// DeliveryFailure is reported in a suback when a subscription was refused.
	DeliveryFailure QoS = 0x80
)

// String returns a readable name for the qos level.
func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at most once"
	case AtLeastOnce:
		return "at least once"
	case ExactlyOnce:
		return "exactly once"
	case DeliveryFailure:
		return "failure"
	}
	return "invalid"
}

// ConnackCode is the return code carried by a CONNACK packet.
type ConnackCode byte

const (
	Accepted ConnackCode = iota
	RefusedUnacceptableProtocolVersion
	RefusedIdentifierRejected
	RefusedServerUnavailable
	RefusedBadUsernameOrPassword
	RefusedNotAuthorized

	// Unknown is the first value with no defined meaning. Any received code
	// at or above it decodes as Unknown.
	Unknown
)

var connackReasons = map[ConnackCode]string{
	Accepted:                           "connection accepted",
	RefusedUnacceptableProtocolVersion: "unacceptable protocol version",
	RefusedIdentifierRejected:          "identifier rejected",
	RefusedServerUnavailable:           "server unavailable",
	RefusedBadUsernameOrPassword:       "bad user name or password",
	RefusedNotAuthorized:               "not authorized",
	Unknown:                            "unknown return code",
}

// String returns the readable reason for a connack code.
func (c ConnackCode) String() string {
	if r, ok := connackReasons[c]; ok {
		return r
	}
	return connackReasons[Unknown]
}
