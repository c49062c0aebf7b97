// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"github.com/mochi-mqtt/provisioner/accumulator"
)

// Phase is the framing stage of the incremental decoder.
type Phase byte

const (
	AwaitingFixedHeader Phase = iota
	AwaitingRemainingLength
	AwaitingVariableHeaderAndPayload
)

// Decoder turns an arbitrarily fragmented byte stream into packets. Bytes are
// held in the accumulator untouched until a full frame is present.
type Decoder struct {
	acc       *accumulator.Buffer
	fh        FixedHeader
	header    int // bytes used by the fixed header byte and remaining length
	remaining int
	phase     Phase
}

// NewDecoder returns a new decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		acc: accumulator.New(512),
	}
}

// Phase returns the current framing stage.
func (d *Decoder) Phase() Phase {
	return d.phase
}

// Buffered returns the number of bytes held awaiting a complete frame.
func (d *Decoder) Buffered() int {
	return d.acc.Len()
}

// Reset discards any partially received frame.
func (d *Decoder) Reset() {
	d.acc.Reset()
	d.phase = AwaitingFixedHeader
	d.header = 0
	d.remaining = 0
	d.fh = FixedHeader{}
}

// Write appends received bytes to the decoder.
func (d *Decoder) Write(data []byte) {
	d.acc.Append(data)
}

// Next returns the next complete packet. ok is false when more bytes are
// needed; the decoder state is preserved for the next Write.
func (d *Decoder) Next() (pk Packet, ok bool, err error) {
	buf := d.acc.Bytes()

	if d.phase == AwaitingFixedHeader {
		if len(buf) < 1 {
			return pk, false, nil
		}

		d.fh = FixedHeader{}
		d.fh.Decode(buf[0])
		d.header = 1
		d.phase = AwaitingRemainingLength
	}

	if d.phase == AwaitingRemainingLength {
		n, bu, complete, err := DecodeLength(buf[1:])
		if err != nil {
			return pk, false, err
		}

		if !complete {
			return pk, false, nil
		}

		d.remaining = n
		d.header = 1 + bu
		d.fh.Remaining = n
		d.phase = AwaitingVariableHeaderAndPayload
	}

	if len(buf) < d.header+d.remaining {
		return pk, false, nil
	}

	body := make([]byte, d.remaining)
	copy(body, buf[d.header:d.header+d.remaining])

	pk.FixedHeader = d.fh
	if err := d.acc.Consume(d.header + d.remaining); err != nil {
		return pk, false, err
	}

	d.phase = AwaitingFixedHeader
	d.header = 0
	d.remaining = 0

	if err := pk.Decode(body); err != nil {
		return pk, false, err
	}

	return pk, true, nil
}

// Feed writes data to the decoder and calls fn for each complete packet.
// Decoding stops at the first error returned by the decoder or by fn.
func (d *Decoder) Feed(data []byte, fn func(pk Packet) error) error {
	d.Write(data)
	for {
		pk, ok, err := d.Next()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := fn(pk); err != nil {
			return err
		}
	}
}
