// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// TPacketCase contains data for cross-checking the encoding and decoding
// of packets and expected scenarios.
type TPacketCase struct {
	RawBytes   []byte  // the bytes that make the packet
	Desc       string  // a description of the test
	Packet     *Packet // the packet that is expected
	Expect     error   // the expected decoding error
	DecodeOnly bool    // the packet does not encode back to RawBytes
	Case       byte    // the identifying byte of the case
}

// TPacketCases is a slice of TPacketCase.
type TPacketCases []TPacketCase

// Get returns a case matching a given T byte.
func (f TPacketCases) Get(b byte) TPacketCase {
	for _, v := range f {
		if v.Case == b {
			return v
		}
	}

	return TPacketCase{}
}

const (
	TConnectBasic byte = iota
	TConnectUserPassLWT
	TConnackAccepted
	TConnackSessionPresent
	TConnackRefused
	TConnackUnknownCode
	TConnackInvalidLength
	TConnackReservedBit
	TPublishBasic
	TPublishQos1
	TPublishQos2Flags
	TPublishZeroPacketID
	TPublishZeroTopic
	TPublishTopicOverrun
	TPuback
	TPubackInvalidLength
	TPubrec
	TPubrel
	TPubcomp
	TSubscribe
	TSuback
	TSubackReservedBits
	TSubackInvalidLength
	TUnsubscribe
	TUnsuback
	TUnsubackInvalidLength
	TPingreq
	TPingresp
	TDisconnect
)

// TPacketData contains individual encoding and decoding scenarios for each packet type.
var TPacketData = map[byte]TPacketCases{
	Connect: {
		{
			Case: TConnectBasic,
			Desc: "mqtt v3.1.1 clean session",
			RawBytes: []byte{
				Connect << 4, 15, // Fixed header
				0, 4, // Protocol Name - MSB+LSB
				'M', 'Q', 'T', 'T', // Protocol Name
				4,     // Protocol Version
				2,     // Packet Flags
				0, 60, // Keepalive
				0, 3, // Client ID - MSB+LSB
				'z', 'e', 'n', // Client ID "zen"
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect, Remaining: 15},
				Connect: ConnectParams{
					ClientIdentifier: "zen",
					Keepalive:        60,
					Clean:            true,
				},
			},
		},
		{
			Case: TConnectUserPassLWT,
			Desc: "username password and will",
			RawBytes: []byte{
				Connect << 4, 38, // Fixed header
				0, 4, // Protocol Name - MSB+LSB
				'M', 'Q', 'T', 'T', // Protocol Name
				4,     // Protocol Version
				0xEE,  // Packet Flags
				0, 30, // Keepalive
				0, 3, 'z', 'e', 'n', // Client ID
				0, 3, 'l', 'w', 't', // Will Topic
				0, 3, 'b', 'y', 'e', // Will Message
				0, 5, 'm', 'o', 'c', 'h', 'i', // Username
				0, 4, 'p', 'a', 's', 's', // Password
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connect, Remaining: 38},
				Connect: ConnectParams{
					ClientIdentifier: "zen",
					Keepalive:        30,
					Clean:            true,
					WillFlag:         true,
					WillTopic:        "lwt",
					WillPayload:      []byte("bye"),
					WillQos:          AtLeastOnce,
					WillRetain:       true,
					UsernameFlag:     true,
					Username:         "mochi",
					PasswordFlag:     true,
					Password:         []byte("pass"),
				},
			},
		},
	},
	Connack: {
		{
			Case:     TConnackAccepted,
			Desc:     "accepted, no session",
			RawBytes: []byte{Connack << 4, 2, 0, 0},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connack, Remaining: 2},
				ReturnCode:  Accepted,
			},
		},
		{
			Case:     TConnackSessionPresent,
			Desc:     "accepted, session present",
			RawBytes: []byte{Connack << 4, 2, 1, 0},
			Packet: &Packet{
				FixedHeader:    FixedHeader{Type: Connack, Remaining: 2},
				SessionPresent: true,
				ReturnCode:     Accepted,
			},
		},
		{
			Case:     TConnackRefused,
			Desc:     "refused not authorized",
			RawBytes: []byte{Connack << 4, 2, 0, 5},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connack, Remaining: 2},
				ReturnCode:  RefusedNotAuthorized,
			},
		},
		{
			Case:       TConnackUnknownCode,
			Desc:       "return code above the defined range",
			RawBytes:   []byte{Connack << 4, 2, 0, 0x2A},
			DecodeOnly: true,
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Connack, Remaining: 2},
				ReturnCode:  Unknown,
			},
		},
		{
			Case:     TConnackInvalidLength,
			Desc:     "three byte connack",
			RawBytes: []byte{Connack << 4, 3, 0, 0, 0},
			Expect:   ErrInvalidLength,
		},
		{
			Case:     TConnackReservedBit,
			Desc:     "acknowledge flags reserved bit set",
			RawBytes: []byte{Connack << 4, 2, 2, 0},
			Expect:   ErrInvalidConnack,
		},
	},
	Publish: {
		{
			Case: TPublishBasic,
			Desc: "qos 0",
			RawBytes: []byte{
				Publish << 4, 12, // Fixed header
				0, 5, // Topic Name - LSB+MSB
				'a', '/', 'b', '/', 'c', // Topic Name
				'h', 'e', 'l', 'l', 'o', // Payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Remaining: 12},
				TopicName:   "a/b/c",
				Payload:     []byte("hello"),
			},
		},
		{
			Case: TPublishQos1,
			Desc: "qos 1",
			RawBytes: []byte{
				Publish<<4 | 1<<1, 14, // Fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // Topic Name
				0, 7, // Packet ID - LSB+MSB
				'h', 'e', 'l', 'l', 'o', // Payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Qos: AtLeastOnce, Remaining: 14},
				TopicName:   "a/b/c",
				PacketID:    7,
				Payload:     []byte("hello"),
			},
		},
		{
			Case: TPublishQos2Flags,
			Desc: "qos 2 dup retain",
			RawBytes: []byte{
				Publish<<4 | 1<<3 | 2<<1 | 1, 14, // Fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // Topic Name
				0, 11, // Packet ID - LSB+MSB
				'h', 'e', 'l', 'l', 'o', // Payload
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Publish, Qos: ExactlyOnce, Dup: true, Retain: true, Remaining: 14},
				TopicName:   "a/b/c",
				PacketID:    11,
				Payload:     []byte("hello"),
			},
		},
		{
			Case: TPublishZeroPacketID,
			Desc: "qos 1 with zero packet id",
			RawBytes: []byte{
				Publish<<4 | 1<<1, 9, // Fixed header
				0, 5, 'a', '/', 'b', '/', 'c', // Topic Name
				0, 0, // Packet ID - LSB+MSB
			},
			Expect: ErrInvalidPacketID,
		},
		{
			Case:     TPublishZeroTopic,
			Desc:     "zero length topic",
			RawBytes: []byte{Publish << 4, 2, 0, 0},
			Expect:   ErrInvalidUTF8Length,
		},
		{
			Case:     TPublishTopicOverrun,
			Desc:     "topic length beyond payload",
			RawBytes: []byte{Publish << 4, 3, 0, 5, 'a'},
			Expect:   ErrInvalidUTF8Length,
		},
	},
	Puback: {
		{
			Case:     TPuback,
			Desc:     "puback",
			RawBytes: []byte{Puback << 4, 2, 0, 7},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Puback, Remaining: 2},
				PacketID:    7,
			},
		},
		{
			Case:     TPubackInvalidLength,
			Desc:     "three byte puback",
			RawBytes: []byte{Puback << 4, 3, 0, 7, 0},
			Expect:   ErrInvalidLength,
		},
	},
	Pubrec: {
		{
			Case:     TPubrec,
			Desc:     "pubrec",
			RawBytes: []byte{Pubrec << 4, 2, 0, 7},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Pubrec, Remaining: 2},
				PacketID:    7,
			},
		},
	},
	Pubrel: {
		{
			Case:     TPubrel,
			Desc:     "pubrel",
			RawBytes: []byte{Pubrel<<4 | 1<<1, 2, 0, 7},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Pubrel, Qos: AtLeastOnce, Remaining: 2},
				PacketID:    7,
			},
		},
	},
	Pubcomp: {
		{
			Case:     TPubcomp,
			Desc:     "pubcomp",
			RawBytes: []byte{Pubcomp << 4, 2, 0, 7},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Pubcomp, Remaining: 2},
				PacketID:    7,
			},
		},
	},
	Subscribe: {
		{
			Case: TSubscribe,
			Desc: "subscribe",
			RawBytes: []byte{
				Subscribe<<4 | 1<<1, 8, // Fixed header
				0, 15, // Packet ID - LSB+MSB
				0, 3, 'a', '/', 'b', // Topic Filter
				1, // QoS
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Subscribe, Qos: AtLeastOnce, Remaining: 8},
				PacketID:    15,
				Filters:     []Subscription{{Filter: "a/b", Qos: AtLeastOnce}},
			},
		},
	},
	Suback: {
		{
			Case:     TSuback,
			Desc:     "granted and failed",
			RawBytes: []byte{Suback << 4, 4, 0, 15, 1, 0x80},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Suback, Remaining: 4},
				PacketID:    15,
				GrantedQos:  []QoS{AtLeastOnce, DeliveryFailure},
			},
		},
		{
			Case:     TSubackReservedBits,
			Desc:     "reserved bits set in return code",
			RawBytes: []byte{Suback << 4, 3, 0, 15, 0x04},
			Expect:   ErrInvalidSuback,
		},
		{
			Case:     TSubackInvalidLength,
			Desc:     "no return codes",
			RawBytes: []byte{Suback << 4, 2, 0, 15},
			Expect:   ErrInvalidLength,
		},
	},
	Unsubscribe: {
		{
			Case: TUnsubscribe,
			Desc: "unsubscribe",
			RawBytes: []byte{
				Unsubscribe<<4 | 1<<1, 7, // Fixed header
				0, 16, // Packet ID - LSB+MSB
				0, 3, 'a', '/', 'b', // Topic Name
			},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Unsubscribe, Qos: AtLeastOnce, Remaining: 7},
				PacketID:    16,
				Topics:      []string{"a/b"},
			},
		},
	},
	Unsuback: {
		{
			Case:     TUnsuback,
			Desc:     "unsuback",
			RawBytes: []byte{Unsuback << 4, 2, 0, 16},
			Packet: &Packet{
				FixedHeader: FixedHeader{Type: Unsuback, Remaining: 2},
				PacketID:    16,
			},
		},
		{
			Case:     TUnsubackInvalidLength,
			Desc:     "one byte unsuback",
			RawBytes: []byte{Unsuback << 4, 1, 0},
			Expect:   ErrInvalidLength,
		},
	},
	Pingreq: {
		{
			Case:     TPingreq,
			Desc:     "ping request",
			RawBytes: []byte{Pingreq << 4, 0},
			Packet:   &Packet{FixedHeader: FixedHeader{Type: Pingreq}},
		},
	},
	Pingresp: {
		{
			Case:     TPingresp,
			Desc:     "ping response",
			RawBytes: []byte{Pingresp << 4, 0},
			Packet:   &Packet{FixedHeader: FixedHeader{Type: Pingresp}},
		},
	},
	Disconnect: {
		{
			Case:     TDisconnect,
			Desc:     "disconnect",
			RawBytes: []byte{Disconnect << 4, 0},
			Packet:   &Packet{FixedHeader: FixedHeader{Type: Disconnect}},
		},
	},
}
