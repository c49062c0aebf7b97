// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"github.com/mochi-mqtt/provisioner/packets"
)

// Handler receives the events of a session. All methods are called
// synchronously from within Connect, DoWork or Disconnect on the caller's
// goroutine. Packets passed to a handler are only valid for the duration of
// the call.
type Handler interface {
	// OnOperationComplete is called for each acknowledgement received from
	// the broker: Connack, Puback, Pubrec, Pubcomp, Suback and Unsuback.
	OnOperationComplete(s *Session, pk packets.Packet)

	// OnMessage is called for each Publish received from the broker, before
	// it is acknowledged.
	OnMessage(s *Session, pk packets.Packet)

	// OnError is called once when the session fails and is closed.
	OnError(s *Session, err error)

	// OnDisconnected is called once a graceful disconnect has completed.
	OnDisconnected(s *Session)
}

// HandlerBase provides a set of no-op handler methods which can be embedded
// to implement only the events of interest.
type HandlerBase struct{}

// OnOperationComplete is called when an acknowledgement is received.
func (h *HandlerBase) OnOperationComplete(s *Session, pk packets.Packet) {}

// OnMessage is called when a publish is received.
func (h *HandlerBase) OnMessage(s *Session, pk packets.Packet) {}

// OnError is called when the session fails.
func (h *HandlerBase) OnError(s *Session, err error) {}

// OnDisconnected is called when the session has disconnected.
func (h *HandlerBase) OnDisconnected(s *Session) {}
