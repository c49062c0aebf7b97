// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"

	"github.com/mochi-mqtt/provisioner/packets"
)

// Inflight is a map of outbound packets awaiting acknowledgement, keyed on
// packet id. It is owned by a single session and is not safe for concurrent use.
type Inflight struct {
	internal map[uint16]packets.Packet
}

// NewInflights returns a new instance of an Inflight packets map.
func NewInflights() *Inflight {
	return &Inflight{
		internal: map[uint16]packets.Packet{},
	}
}

// Set adds or updates an inflight packet by packet id. It returns true if
// the packet id was not already in use.
func (i *Inflight) Set(m packets.Packet) bool {
	_, ok := i.internal[m.PacketID]
	i.internal[m.PacketID] = m
	return !ok
}

// Get returns an inflight packet by packet id.
func (i *Inflight) Get(id uint16) (packets.Packet, bool) {
	m, ok := i.internal[id]
	return m, ok
}

// Len returns the number of inflight packets.
func (i *Inflight) Len() int {
	return len(i.internal)
}

// GetAll returns all the inflight packets, ordered by packet id.
func (i *Inflight) GetAll() []packets.Packet {
	m := make([]packets.Packet, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(i, j int) bool {
		return m[i].PacketID < m[j].PacketID
	})

	return m
}

// Delete removes an inflight packet by packet id. Returns true if the packet
// existed.
func (i *Inflight) Delete(id uint16) bool {
	_, ok := i.internal[id]
	delete(i.internal, id)
	return ok
}

// Clear removes all inflight packets.
func (i *Inflight) Clear() {
	i.internal = map[uint16]packets.Packet{}
}
