// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	mqtt "github.com/mochi-mqtt/provisioner"
	"github.com/mochi-mqtt/provisioner/packets"
	"github.com/mochi-mqtt/provisioner/transports"
)

const (
	// DefaultMQTTPort is the port used by the mqtt transport when none is set.
	DefaultMQTTPort = 8883

	// ResponseFilter is the filter the service publishes responses on.
	ResponseFilter = "$dps/registrations/res/#"

	responsePrefix   = "$dps/registrations/res/"
	registerTopic    = "$dps/registrations/PUT/iotdps-register/?$rid="
	statusTopic      = "$dps/registrations/GET/iotdps-get-operationstatus/?$rid="
	operationIDQuery = "&operationId="
)

// MQTTTransport provisions a device over an mqtt session.
type MQTTTransport struct {
	engine
	session   *mqtt.Session
	transport transports.Transport
	rid       uint32 // the request id of the last request
	subID     uint16 // the packet id of the response subscription
}

// sessionHandler adapts session events to the transport.
type sessionHandler struct {
	mqtt.HandlerBase
	t *MQTTTransport
}

// NewMQTT returns a provisioning transport which connects an mqtt session
// over t. Tpm attestation is not supported.
func NewMQTT(t transports.Transport, opts *Options) (*MQTTTransport, error) {
	if t == nil {
		return nil, ErrInvalidArgument
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.HSM == HSMTPM {
		return nil, ErrTPMUnsupported
	}

	o := *opts
	o.ensureDefaults(DefaultMQTTPort)

	m := &MQTTTransport{transport: t}
	m.opts = o
	m.log = o.Logger

	session, err := mqtt.New(&sessionHandler{t: m}, &mqtt.Options{
		Logger: o.Logger,
		Info:   o.Info,
		Trace:  o.Trace,
	})
	if err != nil {
		return nil, err
	}

	m.session = session
	return m, nil
}

// Open binds the device identity. The session connects on the next DoWork.
func (m *MQTTTransport) Open(registrationID string, ek, srk []byte, handler Handler) error {
	return m.bind(registrationID, nil, nil, handler)
}

// RegisterDevice requests a registration.
func (m *MQTTTransport) RegisterDevice(payload []byte) error {
	return m.register(payload)
}

// GetOperationStatus requests a poll of the current operation.
func (m *MQTTTransport) GetOperationStatus() error {
	return m.getOperationStatus()
}

// State returns the request state.
func (m *MQTTTransport) State() State {
	return m.state
}

// OperationID returns the operation id issued by the service, if any.
func (m *MQTTTransport) OperationID() string {
	return m.operationID
}

// Session returns the underlying mqtt session.
func (m *MQTTTransport) Session() *mqtt.Session {
	return m.session
}

// SetTrace enables or disables packet tracing.
func (m *MQTTTransport) SetTrace(on bool) {
	m.opts.Trace = on
	m.session.SetTrace(on)
}

// DoWork connects the session if needed, publishes any pending request and
// processes responses.
func (m *MQTTTransport) DoWork() {
	if m.wantsConnection() {
		m.connect()
	}

	if m.conn == connConnected {
		switch m.state {
		case StateRegSend:
			m.sendRegistration()
		case StateStatusSend:
			m.sendOperationStatus()
		}
	}

	m.session.DoWork()
	if m.open {
		m.process()
	}
}

// Close disconnects the session and clears the registration.
func (m *MQTTTransport) Close() error {
	if m.session.IsConnected() {
		_ = m.session.Disconnect(nil)
	}
	m.session.Close()
	m.reset()
	m.rid = 0
	return nil
}

// Username returns the login name for the registration.
func (m *MQTTTransport) Username() string {
	return fmt.Sprintf("%s/registrations/%s/api-version=%s&ClientVersion=%s",
		m.opts.ScopeID, m.registrationID, m.opts.APIVersion, url.QueryEscape(m.opts.UserAgent))
}

func (m *MQTTTransport) connect() {
	var password string
	if m.opts.HSM == HSMSymmetricKey {
		token, err := m.handler.OnChallenge(nil, KeyName)
		if err != nil {
			m.connectionFailed(err)
			return
		}
		password = token
	}

	m.conn = connConnecting
	err := m.session.Connect(m.transport, &mqtt.ConnectOptions{
		ClientID:     m.registrationID,
		Username:     m.Username(),
		Password:     password,
		KeepAlive:    m.opts.KeepAlive,
		CleanSession: true,
	})
	if err != nil {
		m.connectionFailed(err)
	}
}

// subscribe requests the response subscription once the broker accepts the
// connection.
func (m *MQTTTransport) subscribe() {
	m.subID = m.session.NextPacketID()
	err := m.session.Subscribe(m.subID, packets.Subscription{
		Filter: ResponseFilter,
		Qos:    packets.AtLeastOnce,
	})
	if err != nil {
		m.session.Close()
		m.connectionFailed(err)
	}
}

func (m *MQTTTransport) publish(topic string, payload []byte) {
	err := m.session.Publish(topic, payload, packets.AtLeastOnce, false, m.session.NextPacketID())
	if err != nil {
		m.fail(err)
		return
	}

	m.sent()
}

func (m *MQTTTransport) sendRegistration() {
	body, err := m.opts.Codec.RegistrationBody(m.registrationID, nil, nil, m.payload)
	if err != nil {
		m.fail(err)
		return
	}

	m.rid++
	m.publish(registerTopic+strconv.FormatUint(uint64(m.rid), 10), body)
}

func (m *MQTTTransport) sendOperationStatus() {
	m.rid++
	m.publish(statusTopic+strconv.FormatUint(uint64(m.rid), 10)+operationIDQuery+url.QueryEscape(m.operationID), nil)
}

// onResponse decodes the status code and retry-after from a response
// topic of the form $dps/registrations/res/<status>/?$rid=<n>&retry-after=<s>.
func (m *MQTTTransport) onResponse(topic string, payload []byte) {
	if !strings.HasPrefix(topic, responsePrefix) {
		m.log.Debug("ignoring message on unexpected topic", "registration", m.registrationID, "topic", topic)
		return
	}

	code, query, _ := strings.Cut(topic[len(responsePrefix):], "/")
	status, err := strconv.Atoi(code)
	if err != nil {
		m.log.Warn("invalid response status", "registration", m.registrationID, "topic", topic)
		if m.state == StateRegSent || m.state == StateStatusSent {
			m.fail(ErrParse)
		}
		return
	}

	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		m.log.Debug("invalid response query", "registration", m.registrationID, "topic", topic, "error", err)
	}

	if rid := values.Get("$rid"); rid != "" && rid != strconv.FormatUint(uint64(m.rid), 10) {
		m.log.Debug("discarding response to stale request", "registration", m.registrationID, "rid", rid)
		return
	}

	retryAfter := m.opts.RetryAfter
	if v := values.Get("retry-after"); v != "" {
		retryAfter = ParseRetryAfter(v)
	}

	m.receive(status, payload, retryAfter)
}

// OnOperationComplete subscribes for responses once connected, and reports
// the connection once the subscription is granted.
func (h *sessionHandler) OnOperationComplete(s *mqtt.Session, pk packets.Packet) {
	t := h.t
	switch pk.FixedHeader.Type {
	case packets.Connack:
		if pk.ReturnCode == packets.Accepted {
			t.subscribe()
		}
	case packets.Suback:
		if pk.PacketID != t.subID {
			return
		}

		for _, q := range pk.GrantedQos {
			if q == packets.DeliveryFailure {
				t.session.Close()
				t.connectionFailed(fmt.Errorf("%w: response subscription refused", ErrConnection))
				return
			}
		}

		t.connected()
	}
}

// OnMessage passes service responses to the transport.
func (h *sessionHandler) OnMessage(s *mqtt.Session, pk packets.Packet) {
	h.t.onResponse(pk.TopicName, pk.Payload)
}

// OnError records the failed connection.
func (h *sessionHandler) OnError(s *mqtt.Session, err error) {
	h.t.connectionFailed(fmt.Errorf("%w: %v", ErrConnection, err))
}
