// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/xid"

	"github.com/mochi-mqtt/provisioner/mempool"
	"github.com/mochi-mqtt/provisioner/packets"
	"github.com/mochi-mqtt/provisioner/system"
	"github.com/mochi-mqtt/provisioner/transports"
)

const (
	// defaultPingResponseRatio is the fraction of the keep-alive interval a
	// ping response is waited for before the connection is considered lost.
	defaultPingResponseRatio = 0.8
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAlreadyConnected  = errors.New("session is already connected or connecting")
	ErrNotConnected      = errors.New("session is not connected")
	ErrConnection        = errors.New("connection error")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTransport         = errors.New("transport error")
	ErrNoPingResponse    = errors.New("no ping response")
	ErrUnexpectedPacket  = errors.New("unexpected packet type")
)

// State is the connection state of a session.
type State byte

const (
	StateDisconnected State = iota // no transport is bound
	StateConnecting                // the transport is opening
	StateConnected                 // connect has been sent, awaiting connack
	StateActive                    // the broker accepted the connection
	StateDisconnecting             // waiting for the transport to close
	StateError                     // the session failed and was closed
)

var stateNames = map[State]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateActive:        "active",
	StateDisconnecting: "disconnecting",
	StateError:         "error",
}

// String returns the name of the state.
func (s State) String() string {
	return stateNames[s]
}

// Options contains configurable values for a session.
type Options struct {
	// Logger specifies a custom configured implementation of log/slog to
	// override the default logger.
	Logger *slog.Logger

	// Info collects byte and packet counters. A new Info is created if nil.
	Info *system.Info

	// PingResponseRatio is the fraction of the keep-alive interval to wait
	// for a ping response. Defaults to 0.8.
	PingResponseRatio float64

	// Trace logs every packet sent and received at debug level.
	Trace bool
}

func (o *Options) ensureDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Info == nil {
		o.Info = new(system.Info)
	}

	if o.PingResponseRatio <= 0 || o.PingResponseRatio > 1 {
		o.PingResponseRatio = defaultPingResponseRatio
	}
}

// ConnectOptions contains the values sent in the connect packet.
type ConnectOptions struct {
	ClientID     string      `yaml:"client_id" json:"client_id"`
	Username     string      `yaml:"username" json:"username"`
	Password     string      `yaml:"password" json:"password"`
	WillTopic    string      `yaml:"will_topic" json:"will_topic"`
	WillMessage  []byte      `yaml:"will_message" json:"will_message"`
	WillQos      packets.QoS `yaml:"will_qos" json:"will_qos"`
	WillRetain   bool        `yaml:"will_retain" json:"will_retain"`
	KeepAlive    uint16      `yaml:"keep_alive" json:"keep_alive"` // seconds, 0 disables pings
	CleanSession bool        `yaml:"clean_session" json:"clean_session"`
}

// Session is a single client connection to an mqtt broker over a transport.
// A session is not safe for concurrent use; all methods must be called from
// the goroutine which drives DoWork.
type Session struct {
	handler         Handler
	transport       transports.Transport
	decoder         *packets.Decoder
	inflight        *Inflight
	connect         *ConnectOptions // the cloned options of the current connection
	onDisconnect    func()
	log             *slog.Logger
	now             func() time.Time
	opts            Options
	lastSend        time.Time // when a packet was last sent
	pingSent        time.Time // when the outstanding ping was sent, zero if none
	packetID        uint32
	state           State
	lastSent        byte // the type of the last packet sent
	socketConnected bool
	clientConnected bool // connack was received and accepted
	pendingClose    bool
	failed          bool // the error handler was already called for this connection
}

// New returns a new session which reports events to handler.
func New(handler Handler, opts *Options) (*Session, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrInvalidArgument)
	}

	if opts == nil {
		opts = new(Options)
	}
	o := *opts
	o.ensureDefaults()

	return &Session{
		handler:  handler,
		opts:     o,
		log:      o.Logger,
		decoder:  packets.NewDecoder(),
		inflight: NewInflights(),
		now:      time.Now,
	}, nil
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// Info returns the counters of the session.
func (s *Session) Info() *system.Info {
	return s.opts.Info
}

// ClientID returns the client id of the current connection.
func (s *Session) ClientID() string {
	if s.connect == nil {
		return ""
	}
	return s.connect.ClientID
}

// IsConnected returns true if the broker has accepted the connection.
func (s *Session) IsConnected() bool {
	return s.clientConnected
}

// LastSent returns the type of the last packet sent.
func (s *Session) LastSent() byte {
	return s.lastSent
}

// SetTrace enables or disables packet tracing.
func (s *Session) SetTrace(on bool) {
	s.opts.Trace = on
}

// NextPacketID returns the next packet id, wrapping within 16 bits and
// never returning 0.
func (s *Session) NextPacketID() uint16 {
	s.packetID++
	if s.packetID > 65535 {
		s.packetID = 1
	}
	return uint16(s.packetID)
}

// Connect binds the transport to the session and opens it. The connect
// packet is sent once the transport reports it is open.
func (s *Session) Connect(t transports.Transport, opts *ConnectOptions) error {
	if t == nil || opts == nil {
		return fmt.Errorf("%w: transport and options are required", ErrInvalidArgument)
	}

	if s.state != StateDisconnected && s.state != StateError {
		return ErrAlreadyConnected
	}

	co := new(ConnectOptions)
	if err := copier.CopyWithOption(co, opts, copier.Option{DeepCopy: true}); err != nil {
		return err
	}

	if co.ClientID == "" {
		co.ClientID = xid.New().String()
		s.log.Debug("assigned generated client id", "client", co.ClientID)
	}

	s.connect = co
	s.transport = t
	s.decoder.Reset()
	s.inflight.Clear()
	s.socketConnected = false
	s.clientConnected = false
	s.pendingClose = false
	s.failed = false
	s.pingSent = time.Time{}
	s.state = StateConnecting

	if err := t.Open(s.onOpenComplete, s.onBytesReceived, s.onIOError); err != nil {
		s.state = StateError
		s.transport = nil
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return nil
}

// onOpenComplete sends the connect packet once the transport is open.
func (s *Session) onOpenComplete(err error) {
	if err != nil {
		s.log.Warn("transport open failed", "client", s.ClientID(), "error", err)
		s.setErrorAndClose(fmt.Errorf("%w: %v", ErrConnection, err))
		return
	}

	s.socketConnected = true
	s.state = StateConnected
	atomic.AddInt64(&s.opts.Info.Connections, 1)

	c := s.connect
	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ClientIdentifier: c.ClientID,
			Keepalive:        c.KeepAlive,
			Clean:            c.CleanSession,
			WillFlag:         c.WillTopic != "",
			WillTopic:        c.WillTopic,
			WillPayload:      c.WillMessage,
			WillQos:          c.WillQos,
			WillRetain:       c.WillRetain,
			UsernameFlag:     c.Username != "",
			Username:         c.Username,
			PasswordFlag:     c.Password != "",
			Password:         []byte(c.Password),
		},
	}

	if err := s.send(pk, nil); err != nil {
		s.setErrorAndClose(fmt.Errorf("%w: %v", ErrConnection, err))
	}
}

// onBytesReceived decodes any complete packets and processes them.
func (s *Session) onBytesReceived(b []byte) {
	atomic.AddInt64(&s.opts.Info.BytesReceived, int64(len(b)))
	err := s.decoder.Feed(b, func(pk packets.Packet) error {
		if s.failed {
			return nil
		}
		return s.processPacket(pk)
	})

	if err != nil {
		s.log.Warn("failed to process inbound packet", "client", s.ClientID(), "error", err)
		s.setErrorAndClose(err)
	}
}

func (s *Session) onIOError(err error) {
	s.setErrorAndClose(fmt.Errorf("%w: %v", ErrTransport, err))
}

// processPacket handles a single inbound packet.
func (s *Session) processPacket(pk packets.Packet) error {
	atomic.AddInt64(&s.opts.Info.PacketsReceived, 1)
	if s.opts.Trace {
		s.log.Debug("<- "+packets.Names[pk.FixedHeader.Type], "client", s.ClientID(), "id", pk.PacketID)
	}

	switch pk.FixedHeader.Type {
	case packets.Connack:
		if pk.ReturnCode == packets.Accepted {
			s.clientConnected = true
			s.state = StateActive
			s.handler.OnOperationComplete(s, pk)
			return nil
		}

		s.handler.OnOperationComplete(s, pk)
		return fmt.Errorf("%w: %s", ErrConnectionRefused, pk.ReturnCode)

	case packets.Publish:
		atomic.AddInt64(&s.opts.Info.MessagesReceived, 1)
		s.handler.OnMessage(s, pk)
		switch pk.FixedHeader.Qos {
		case packets.AtLeastOnce:
			return s.sendAck(packets.Puback, pk.PacketID)
		case packets.ExactlyOnce:
			return s.sendAck(packets.Pubrec, pk.PacketID)
		}
		return nil

	case packets.Pubrel:
		return s.sendAck(packets.Pubcomp, pk.PacketID)

	case packets.Pubrec:
		if _, ok := s.inflight.Get(pk.PacketID); !ok {
			s.log.Debug("pubrec for unknown packet id", "client", s.ClientID(), "id", pk.PacketID)
		}
		s.inflight.Set(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel}, PacketID: pk.PacketID})
		s.handler.OnOperationComplete(s, pk)
		return s.sendAck(packets.Pubrel, pk.PacketID)

	case packets.Puback, packets.Pubcomp, packets.Suback, packets.Unsuback:
		if !s.inflight.Delete(pk.PacketID) {
			s.log.Debug("acknowledgement for unknown packet id", "client", s.ClientID(), "type", packets.Names[pk.FixedHeader.Type], "id", pk.PacketID)
		}
		s.handler.OnOperationComplete(s, pk)
		return nil

	case packets.Pingresp:
		s.pingSent = time.Time{}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnexpectedPacket, packets.Names[pk.FixedHeader.Type])
}

func (s *Session) sendAck(t byte, id uint16) error {
	return s.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: t},
		PacketID:    id,
	}, nil)
}

// send encodes and writes a packet to the transport. A failed completion is
// logged only; the transport reports connection failures through its own
// error callback.
func (s *Session) send(pk *packets.Packet, onSent func(err error)) error {
	if s.transport == nil || !s.socketConnected {
		return ErrNotConnected
	}

	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)
	if err := pk.Encode(buf); err != nil {
		return err
	}

	n := buf.Len()
	err := s.transport.Send(buf.Bytes(), func(err error) {
		if err != nil {
			s.log.Warn("failed to send packet", "client", s.ClientID(), "type", packets.Names[pk.FixedHeader.Type], "error", err)
		}
		if onSent != nil {
			onSent(err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.lastSend = s.now()
	s.lastSent = pk.FixedHeader.Type
	atomic.AddInt64(&s.opts.Info.BytesSent, int64(n))
	atomic.AddInt64(&s.opts.Info.PacketsSent, 1)
	if s.opts.Trace {
		s.log.Debug("-> "+packets.Names[pk.FixedHeader.Type], "client", s.ClientID(), "id", pk.PacketID, "bytes", n)
	}

	return nil
}

// Publish sends a message to the broker. A non-zero packet id is required
// above qos 0.
func (s *Session) Publish(topic string, payload []byte, qos packets.QoS, retain bool, packetID uint16) error {
	if topic == "" || len(topic) > 65535 || qos > packets.ExactlyOnce || (qos > packets.AtMostOnce && packetID == 0) {
		return ErrInvalidArgument
	}

	if !s.clientConnected {
		return ErrNotConnected
	}

	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Retain: retain},
		TopicName:   topic,
		Payload:     payload,
	}
	if qos > packets.AtMostOnce {
		pk.PacketID = packetID
	}

	if err := s.send(pk, nil); err != nil {
		return err
	}

	atomic.AddInt64(&s.opts.Info.MessagesSent, 1)
	if qos > packets.AtMostOnce {
		s.inflight.Set(packets.Packet{FixedHeader: pk.FixedHeader, TopicName: topic, PacketID: packetID})
	}

	return nil
}

// Subscribe requests subscriptions to one or more topic filters.
func (s *Session) Subscribe(packetID uint16, filters ...packets.Subscription) error {
	if packetID == 0 || len(filters) == 0 {
		return ErrInvalidArgument
	}

	for _, f := range filters {
		if f.Filter == "" || f.Qos > packets.ExactlyOnce {
			return ErrInvalidArgument
		}
	}

	if !s.clientConnected {
		return ErrNotConnected
	}

	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		PacketID:    packetID,
		Filters:     filters,
	}
	if err := s.send(pk, nil); err != nil {
		return err
	}

	s.inflight.Set(*pk)
	return nil
}

// Unsubscribe removes subscriptions to one or more topic filters.
func (s *Session) Unsubscribe(packetID uint16, topics ...string) error {
	if packetID == 0 || len(topics) == 0 {
		return ErrInvalidArgument
	}

	for _, t := range topics {
		if t == "" {
			return ErrInvalidArgument
		}
	}

	if !s.clientConnected {
		return ErrNotConnected
	}

	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe},
		PacketID:    packetID,
		Topics:      topics,
	}
	if err := s.send(pk, nil); err != nil {
		return err
	}

	s.inflight.Set(*pk)
	return nil
}

// Inflight returns the number of sent packets awaiting acknowledgement.
func (s *Session) Inflight() int {
	return s.inflight.Len()
}

// Disconnect ends the connection. If the broker accepted the connection a
// disconnect packet is sent and the transport is closed during a later
// DoWork; otherwise the transport is closed now. onDone is called once the
// transport reports the close complete.
func (s *Session) Disconnect(onDone func()) error {
	if s.transport == nil {
		if onDone != nil {
			onDone()
		}
		return nil
	}

	if s.clientConnected {
		s.state = StateDisconnecting
		s.onDisconnect = onDone
		err := s.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}, func(err error) {
			s.pendingClose = true
		})
		if err == nil {
			return nil
		}

		s.log.Warn("failed to send disconnect", "client", s.ClientID(), "error", err)
		s.onDisconnect = nil
	}

	s.state = StateDisconnecting
	s.closeTransport(func() {
		s.state = StateDisconnected
		if onDone != nil {
			onDone()
		}
	})
	return nil
}

// DoWork pumps the transport and runs the keep-alive schedule. It must be
// called periodically, at sub-second intervals when keep-alive is in use.
func (s *Session) DoWork() {
	if s.transport == nil {
		return
	}

	s.transport.DoWork()
	if s.transport == nil {
		return
	}

	if s.pendingClose {
		s.pendingClose = false
		onDone := s.onDisconnect
		s.onDisconnect = nil
		s.closeTransport(func() {
			s.state = StateDisconnected
			if onDone != nil {
				onDone()
			}
			s.handler.OnDisconnected(s)
		})
		return
	}

	if !s.clientConnected || s.connect.KeepAlive == 0 {
		return
	}

	now := s.now()
	keepAlive := time.Duration(s.connect.KeepAlive) * time.Second
	if !s.pingSent.IsZero() {
		wait := time.Duration(float64(keepAlive) * s.opts.PingResponseRatio)
		if now.Sub(s.pingSent) >= wait {
			s.log.Warn("ping response timeout", "client", s.ClientID(), "elapsed", now.Sub(s.pingSent))
			s.setErrorAndClose(ErrNoPingResponse)
		}
		return
	}

	if now.Sub(s.lastSend) >= keepAlive {
		err := s.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}, nil)
		if err != nil {
			s.log.Warn("failed to send ping request", "client", s.ClientID(), "error", err)
			return
		}
		s.pingSent = now
		atomic.AddInt64(&s.opts.Info.PingsSent, 1)
	}
}

// setErrorAndClose reports err to the handler once and closes the transport.
func (s *Session) setErrorAndClose(err error) {
	if s.failed {
		return
	}

	s.failed = true
	s.state = StateError
	for _, pk := range s.inflight.GetAll() {
		s.log.Debug("unacknowledged packet dropped", "client", s.ClientID(), "type", packets.Names[pk.FixedHeader.Type], "id", pk.PacketID)
	}
	s.handler.OnError(s, err)
	s.closeTransport(nil)
}

// closeTransport unbinds the transport and closes it. onClosed, if set, is
// called when the transport reports the close complete.
func (s *Session) closeTransport(onClosed func()) {
	t := s.transport
	if t == nil {
		return
	}

	if s.socketConnected {
		atomic.AddInt64(&s.opts.Info.Connections, -1)
	}

	s.transport = nil
	s.socketConnected = false
	s.clientConnected = false
	s.pingSent = time.Time{}
	if err := t.Close(onClosed); err != nil {
		s.log.Debug("failed to close transport", "client", s.ClientID(), "error", err)
		if onClosed != nil {
			onClosed()
		}
	}
}

// Close closes any bound transport and releases the session's buffers and
// cloned options.
func (s *Session) Close() {
	s.closeTransport(nil)
	s.decoder.Reset()
	s.inflight.Clear()
	s.connect = nil
	s.onDisconnect = nil
	if s.state != StateError {
		s.state = StateDisconnected
	}
}
