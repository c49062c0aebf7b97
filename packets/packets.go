// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

const (
	protocolName    = "MQTT"
	protocolVersion = 4
)

// ConnectParams contains the values of a CONNECT packet.
type ConnectParams struct {
	ClientIdentifier string `json:"clientId"`
	Username         string `json:"username"`
	Password         []byte `json:"password"`
	WillTopic        string `json:"willTopic"`
	WillPayload      []byte `json:"willPayload"`
	Keepalive        uint16 `json:"keepalive"`
	WillQos          QoS    `json:"willQos"`
	WillFlag         bool   `json:"willFlag"`
	WillRetain       bool   `json:"willRetain"`
	UsernameFlag     bool   `json:"usernameFlag"`
	PasswordFlag     bool   `json:"passwordFlag"`
	Clean            bool   `json:"clean"`
}

// Subscription is a topic filter and the qos it is requested or granted at.
type Subscription struct {
	Filter string
	Qos    QoS
}

// Packet represents a single MQTT control packet. Only the fields relevant
// to the type named in the fixed header are set.
type Packet struct {
	Connect        ConnectParams  // CONNECT
	TopicName      string         // PUBLISH
	Payload        []byte         // PUBLISH
	Filters        []Subscription // SUBSCRIBE
	Topics         []string       // UNSUBSCRIBE
	GrantedQos     []QoS          // SUBACK
	FixedHeader    FixedHeader
	PacketID       uint16 // PUBLISH (qos > 0), acks, SUBSCRIBE, UNSUBSCRIBE
	ReturnCode     ConnackCode
	SessionPresent bool
}

// Copy returns a deep copy of the packet.
func (pk *Packet) Copy() Packet {
	p := *pk
	p.Payload = append([]byte(nil), pk.Payload...)
	p.Connect.Password = append([]byte(nil), pk.Connect.Password...)
	p.Connect.WillPayload = append([]byte(nil), pk.Connect.WillPayload...)
	p.Filters = append([]Subscription(nil), pk.Filters...)
	p.Topics = append([]string(nil), pk.Topics...)
	p.GrantedQos = append([]QoS(nil), pk.GrantedQos...)
	return p
}

// Encode writes the packet to buf according to its fixed header type.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		pk.ConnectEncode(buf)
	case Connack:
		pk.ConnackEncode(buf)
	case Publish:
		pk.PublishEncode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		pk.AckEncode(buf)
	case Subscribe:
		pk.SubscribeEncode(buf)
	case Suback:
		pk.SubackEncode(buf)
	case Unsubscribe:
		pk.UnsubscribeEncode(buf)
	case Pingreq, Pingresp, Disconnect:
		pk.EmptyEncode(buf)
	default:
		return ErrMalformedPacketType
	}
	return nil
}

// Decode reads the packet body from buf according to its fixed header type.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectDecode(buf)
	case Connack:
		return pk.ConnackDecode(buf)
	case Publish:
		return pk.PublishDecode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.AckDecode(buf)
	case Subscribe:
		return pk.SubscribeDecode(buf)
	case Suback:
		return pk.SubackDecode(buf)
	case Unsubscribe:
		return pk.UnsubscribeDecode(buf)
	case Pingreq, Pingresp, Disconnect:
		return pk.EmptyDecode(buf)
	}
	return ErrMalformedPacketType
}

// ConnectEncode encodes a Connect packet.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeString(protocolName))
	nb.WriteByte(protocolVersion)

	c := &pk.Connect
	nb.WriteByte(
		encodeBool(c.UsernameFlag)<<7 |
			encodeBool(c.PasswordFlag)<<6 |
			encodeBool(c.WillFlag && c.WillRetain)<<5 |
			byte(willQos(c))<<3 |
			encodeBool(c.WillFlag)<<2 |
			encodeBool(c.Clean)<<1,
	)
	nb.Write(encodeUint16(c.Keepalive))
	nb.Write(encodeString(c.ClientIdentifier))

	if c.WillFlag {
		nb.Write(encodeString(c.WillTopic))
		nb.Write(encodeBytes(c.WillPayload))
	}

	if c.UsernameFlag {
		nb.Write(encodeString(c.Username))
	}

	if c.PasswordFlag {
		nb.Write(encodeBytes(c.Password))
	}

	pk.FixedHeader = FixedHeader{Type: Connect, Remaining: nb.Len()}
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())
}

func willQos(c *ConnectParams) QoS {
	if !c.WillFlag {
		return AtMostOnce
	}
	return c.WillQos & 0x03
}

// ConnectDecode decodes a Connect packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	name, offset, err := decodeString(buf, 0)
	if err != nil {
		return err
	}
	if name != protocolName {
		return ErrMalformedPacket
	}

	if _, offset, err = decodeByte(buf, offset); err != nil {
		return err
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return err
	}

	c := &pk.Connect
	c.UsernameFlag = flags&0x80 > 0
	c.PasswordFlag = flags&0x40 > 0
	c.WillRetain = flags&0x20 > 0
	c.WillQos = QoS((flags >> 3) & 0x03)
	c.WillFlag = flags&0x04 > 0
	c.Clean = flags&0x02 > 0

	c.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	// a zero length client id is permitted with a clean session.
	idLen, _, err := decodeUint16(buf, offset)
	if err != nil {
		return err
	}
	if idLen == 0 {
		offset += 2
	} else if c.ClientIdentifier, offset, err = decodeString(buf, offset); err != nil {
		return err
	}

	if c.WillFlag {
		if c.WillTopic, offset, err = decodeString(buf, offset); err != nil {
			return err
		}
		if c.WillPayload, offset, err = decodeBytes(buf, offset); err != nil {
			return err
		}
	}

	if c.UsernameFlag {
		if c.Username, offset, err = decodeString(buf, offset); err != nil {
			return err
		}
	}

	if c.PasswordFlag {
		if c.Password, _, err = decodeBytes(buf, offset); err != nil {
			return err
		}
	}

	return nil
}

// ConnackEncode encodes a Connack packet.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) {
	pk.FixedHeader = FixedHeader{Type: Connack, Remaining: 2}
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(byte(pk.ReturnCode))
}

// ConnackDecode decodes a Connack packet. Exactly two bytes are required and
// only bit 0 of the acknowledge flags may be set.
func (pk *Packet) ConnackDecode(buf []byte) error {
	if len(buf) != 2 {
		return ErrInvalidLength
	}

	if buf[0]&0xFE != 0 {
		return ErrInvalidConnack
	}

	pk.SessionPresent = buf[0]&0x01 > 0
	pk.ReturnCode = ConnackCode(buf[1])
	if pk.ReturnCode >= Unknown {
		pk.ReturnCode = Unknown
	}

	return nil
}

// PublishEncode encodes a Publish packet.
func (pk *Packet) PublishEncode(buf *bytes.Buffer) {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeString(pk.TopicName))
	if pk.FixedHeader.Qos > AtMostOnce {
		nb.Write(encodeUint16(pk.PacketID))
	}
	nb.Write(pk.Payload)

	pk.FixedHeader.Type = Publish
	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())
}

// PublishDecode decodes a Publish packet. The qos is taken from the fixed
// header; a packet id is only present above qos 0 and may not be zero.
func (pk *Packet) PublishDecode(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = decodeString(buf, 0)
	if err != nil {
		return err
	}

	if pk.FixedHeader.Qos > AtMostOnce {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return err
		}

		if pk.PacketID == 0 {
			return ErrInvalidPacketID
		}
	}

	pk.Payload = buf[offset:]
	return nil
}

// AckEncode encodes any of the two byte packet id acknowledgements:
// Puback, Pubrec, Pubrel, Pubcomp and Unsuback.
func (pk *Packet) AckEncode(buf *bytes.Buffer) {
	pk.FixedHeader.Remaining = 2
	if pk.FixedHeader.Type == Pubrel {
		pk.FixedHeader.Qos = AtLeastOnce // [MQTT-3.6.1-1]
	}
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
}

// AckDecode decodes a two byte packet id acknowledgement.
func (pk *Packet) AckDecode(buf []byte) error {
	if len(buf) != 2 {
		return ErrInvalidLength
	}

	pk.PacketID, _, _ = decodeUint16(buf, 0)
	return nil
}

// SubscribeEncode encodes a Subscribe packet.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))
	for _, sub := range pk.Filters {
		nb.Write(encodeString(sub.Filter))
		nb.WriteByte(byte(sub.Qos) & 0x03)
	}

	pk.FixedHeader = FixedHeader{Type: Subscribe, Qos: AtLeastOnce, Remaining: nb.Len()} // [MQTT-3.8.1-1]
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())
}

// SubscribeDecode decodes a Subscribe packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return err
	}

	for offset < len(buf) {
		var sub Subscription
		if sub.Filter, offset, err = decodeString(buf, offset); err != nil {
			return err
		}

		var qos byte
		if qos, offset, err = decodeByte(buf, offset); err != nil {
			return err
		}
		sub.Qos = QoS(qos)
		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// SubackEncode encodes a Suback packet.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) {
	pk.FixedHeader = FixedHeader{Type: Suback, Remaining: 2 + len(pk.GrantedQos)}
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	for _, q := range pk.GrantedQos {
		buf.WriteByte(byte(q))
	}
}

// SubackDecode decodes a Suback packet. Each granted code must leave
// bits 6 - 2 clear; 0x80 indicates the subscription failed.
func (pk *Packet) SubackDecode(buf []byte) error {
	if len(buf) < 3 {
		return ErrInvalidLength
	}

	pk.PacketID, _, _ = decodeUint16(buf, 0)
	pk.GrantedQos = make([]QoS, 0, len(buf)-2)
	for _, c := range buf[2:] {
		if c&0x7C != 0 {
			return ErrInvalidSuback
		}

		if c&0x80 > 0 {
			pk.GrantedQos = append(pk.GrantedQos, DeliveryFailure)
			continue
		}

		pk.GrantedQos = append(pk.GrantedQos, QoS(c&0x03))
	}

	return nil
}

// UnsubscribeEncode encodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))
	for _, topic := range pk.Topics {
		nb.Write(encodeString(topic))
	}

	pk.FixedHeader = FixedHeader{Type: Unsubscribe, Qos: AtLeastOnce, Remaining: nb.Len()} // [MQTT-3.10.1-1]
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())
}

// UnsubscribeDecode decodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return err
	}

	for offset < len(buf) {
		var topic string
		if topic, offset, err = decodeString(buf, offset); err != nil {
			return err
		}
		pk.Topics = append(pk.Topics, topic)
	}

	return nil
}

// EmptyEncode encodes a packet with no variable header or payload, such as
// Pingreq, Pingresp and Disconnect.
func (pk *Packet) EmptyEncode(buf *bytes.Buffer) {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
}

// EmptyDecode accepts a packet with an empty body. Trailing bytes are ignored.
func (pk *Packet) EmptyDecode(buf []byte) error {
	return nil
}
