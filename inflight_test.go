// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/provisioner/packets"
)

func TestInflightSet(t *testing.T) {
	cl := NewInflights()

	r := cl.Set(packets.Packet{PacketID: 1})
	require.True(t, r)
	require.NotNil(t, cl.internal[1])

	r = cl.Set(packets.Packet{PacketID: 1, TopicName: "updated"})
	require.False(t, r)
	require.Equal(t, "updated", cl.internal[1].TopicName)
}

func TestInflightGet(t *testing.T) {
	cl := NewInflights()
	cl.Set(packets.Packet{PacketID: 2, TopicName: "a/b"})

	msg, ok := cl.Get(2)
	require.True(t, ok)
	require.Equal(t, uint16(2), msg.PacketID)
	require.Equal(t, "a/b", msg.TopicName)

	_, ok = cl.Get(3)
	require.False(t, ok)
}

func TestInflightGetAllAndLen(t *testing.T) {
	cl := NewInflights()
	cl.Set(packets.Packet{PacketID: 9})
	cl.Set(packets.Packet{PacketID: 3})
	cl.Set(packets.Packet{PacketID: 6})

	require.Equal(t, 3, cl.Len())
	m := cl.GetAll()
	require.Len(t, m, 3)
	require.Equal(t, uint16(3), m[0].PacketID)
	require.Equal(t, uint16(6), m[1].PacketID)
	require.Equal(t, uint16(9), m[2].PacketID)
}

func TestInflightDelete(t *testing.T) {
	cl := NewInflights()
	cl.Set(packets.Packet{PacketID: 3})
	require.Equal(t, 1, cl.Len())

	require.True(t, cl.Delete(3))
	require.Equal(t, 0, cl.Len())
	require.False(t, cl.Delete(3))
}

func TestInflightClear(t *testing.T) {
	cl := NewInflights()
	cl.Set(packets.Packet{PacketID: 1})
	cl.Set(packets.Packet{PacketID: 2})
	cl.Clear()
	require.Equal(t, 0, cl.Len())
	require.Empty(t, cl.GetAll())
}
