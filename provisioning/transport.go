// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package provisioning registers devices with a provisioning service over
// mqtt or http. Transports are driven entirely by DoWork and report progress
// through a Handler.
package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/provisioner/system"
)

const (
	// DefaultAPIVersion is the service api version sent with every request.
	DefaultAPIVersion = "2019-03-31"

	// DefaultUserAgent identifies the client to the service.
	DefaultUserAgent = "mochi-provisioner/0.1.0"

	// KeyName is the key name passed to challenge handlers for registration.
	KeyName = "registration"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyInProgress  = errors.New("registration already in progress")
	ErrOperationIDNotSet  = errors.New("operation id not set")
	ErrInvalidState       = errors.New("transport is in an error state")
	ErrNotOpen            = errors.New("transport is not open")
	ErrTPMUnsupported     = errors.New("tpm attestation is not supported by this transport")
	ErrNoChallengeHandler = errors.New("no challenge handler configured")
	ErrParse              = errors.New("failed to parse service response")
	ErrServiceRejected    = errors.New("service rejected the request")
	ErrConnection         = errors.New("connection error")
)

// State is the request state of a provisioning transport.
type State byte

const (
	StateIdle State = iota
	StateRegSend
	StateRegSent
	StateRegRecv
	StateStatusSend
	StateStatusSent
	StateStatusRecv
	StateTransient
	StateError
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateRegSend:    "registration send",
	StateRegSent:    "registration sent",
	StateRegRecv:    "registration received",
	StateStatusSend: "status send",
	StateStatusSent: "status sent",
	StateStatusRecv: "status received",
	StateTransient:  "transient",
	StateError:      "error",
}

// String returns the name of the state.
func (s State) String() string {
	return stateNames[s]
}

// Status is a registration status reported by the service or the transport.
type Status byte

const (
	StatusConnected Status = iota
	StatusUnassigned
	StatusAssigning
	StatusAssigned
	StatusError
	StatusDisabled
	StatusBlacklisted
	StatusTransient
)

var statusNames = map[Status]string{
	StatusConnected:   "connected",
	StatusUnassigned:  "unassigned",
	StatusAssigning:   "assigning",
	StatusAssigned:    "assigned",
	StatusError:       "error",
	StatusDisabled:    "disabled",
	StatusBlacklisted: "blacklisted",
	StatusTransient:   "transient",
}

// String returns the name of the status.
func (s Status) String() string {
	return statusNames[s]
}

// HSMType is the attestation mechanism of the device.
type HSMType byte

const (
	HSMX509 HSMType = iota
	HSMSymmetricKey
	HSMTPM
)

var hsmNames = map[HSMType]string{
	HSMX509:         "x509",
	HSMSymmetricKey: "symmetric_key",
	HSMTPM:          "tpm",
}

// String returns the name of the attestation type.
func (h HSMType) String() string {
	return hsmNames[h]
}

// ParseHSMType returns the attestation type named by s.
func ParseHSMType(s string) (HSMType, error) {
	for k, v := range hsmNames {
		if v == s {
			return k, nil
		}
	}
	return 0, ErrInvalidArgument
}

// MarshalText encodes the attestation type by name.
func (h HSMType) MarshalText() ([]byte, error) {
	name, ok := hsmNames[h]
	if !ok {
		return nil, ErrInvalidArgument
	}
	return []byte(name), nil
}

// UnmarshalText decodes an attestation type name.
func (h *HSMType) UnmarshalText(b []byte) error {
	v, err := ParseHSMType(string(b))
	if err != nil {
		return fmt.Errorf("%w: unknown attestation type %q", err, b)
	}
	*h = v
	return nil
}

// Result is the outcome of a registration.
type Result byte

const (
	ResultOK Result = iota
	ResultError
)

// String returns the name of the result.
func (r Result) String() string {
	if r == ResultOK {
		return "ok"
	}
	return "error"
}

// ParsedStatus is a service response decoded by a Codec.
type ParsedStatus struct {
	Status           Status
	OperationID      string
	KeyName          string
	AuthorizationKey []byte
	IoTHubURI        string
	DeviceID         string
	ErrorCode        int
	ErrorMessage     string
}

// Registration is the outcome of a successful registration.
type Registration struct {
	AuthorizationKey []byte
	IoTHubURI        string
	DeviceID         string
}

// Handler receives the events of a provisioning transport. All methods are
// called synchronously from within DoWork or Close on the caller's
// goroutine. Slices passed to a handler are only valid for the duration of
// the call.
type Handler interface {
	// OnRegistrationComplete is called when the device is assigned, with
	// ResultOK, or when a request fails, with ResultError and a nil
	// registration.
	OnRegistrationComplete(result Result, reg *Registration)

	// OnStatus is called with intermediate statuses. retryAfter is the time
	// the service asked the device to wait before its next request.
	OnStatus(status Status, retryAfter time.Duration)

	// OnChallenge returns the authorization token for the given nonce. The
	// nonce is nil when a token is needed before the first request.
	OnChallenge(nonce []byte, keyName string) (string, error)

	// OnError is called when the underlying connection fails.
	OnError(err error)
}

// HandlerBase provides a set of no-op handler methods which can be embedded
// to implement only the events of interest.
type HandlerBase struct{}

// OnRegistrationComplete is called when a registration completes.
func (h *HandlerBase) OnRegistrationComplete(result Result, reg *Registration) {}

// OnStatus is called with intermediate statuses.
func (h *HandlerBase) OnStatus(status Status, retryAfter time.Duration) {}

// OnChallenge returns ErrNoChallengeHandler.
func (h *HandlerBase) OnChallenge(nonce []byte, keyName string) (string, error) {
	return "", ErrNoChallengeHandler
}

// OnError is called when the connection fails.
func (h *HandlerBase) OnError(err error) {}

// Transport is a provisioning transport.
type Transport interface {
	// Open binds the device identity and handler. The connection is made
	// on the following DoWork. ek and srk are only used for tpm attestation.
	Open(registrationID string, ek, srk []byte, h Handler) error

	// RegisterDevice requests a registration, with an optional custom json
	// payload, to be sent on the next DoWork.
	RegisterDevice(payload []byte) error

	// GetOperationStatus requests a status poll for the current operation.
	GetOperationStatus() error

	// DoWork pumps the connection and advances the request state.
	DoWork()

	// Close tears down the connection and clears the registration state.
	Close() error

	SetTrace(on bool)
	State() State
	OperationID() string
}

// Options contains configurable values for a provisioning transport.
type Options struct {
	// Logger specifies a custom configured implementation of log/slog to
	// override the default logger.
	Logger *slog.Logger

	// Info collects counters. A new Info is created if nil.
	Info *system.Info

	// Codec encodes requests and decodes responses. Defaults to JSONCodec.
	Codec Codec

	Host       string        `yaml:"host" json:"host"`               // the global service endpoint
	Port       int           `yaml:"port" json:"port"`               // defaults to 443 for http, 8883 for mqtt
	ScopeID    string        `yaml:"scope_id" json:"scope_id"`       // the id scope of the service instance
	APIVersion string        `yaml:"api_version" json:"api_version"` // defaults to DefaultAPIVersion
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`   // defaults to DefaultUserAgent
	HSM        HSMType       `yaml:"hsm" json:"hsm"`
	KeepAlive  uint16        `yaml:"keep_alive" json:"keep_alive"` // mqtt keep-alive in seconds
	RetryAfter time.Duration `yaml:"retry_after" json:"retry_after"`
	Trace      bool          `yaml:"trace" json:"trace"`
}

func (o *Options) ensureDefaults(port int) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Info == nil {
		o.Info = new(system.Info)
	}

	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}

	if o.Port == 0 {
		o.Port = port
	}

	if o.APIVersion == "" {
		o.APIVersion = DefaultAPIVersion
	}

	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}

	if o.KeepAlive == 0 {
		o.KeepAlive = 240
	}

	o.RetryAfter = ClampRetryAfter(o.RetryAfter)
}

func (o *Options) validate() error {
	if o == nil || o.Host == "" || o.ScopeID == "" {
		return ErrInvalidArgument
	}

	if o.HSM > HSMTPM {
		return ErrInvalidArgument
	}

	return nil
}

// connState is the state of the underlying connection.
type connState byte

const (
	connDisconnected connState = iota
	connConnecting
	connConnected
	connFailed
)

// engine is the request state machine shared by the mqtt and http
// transports. The protocol specific transports send requests in the
// RegSend and StatusSend states and feed responses back through receive.
type engine struct {
	handler        Handler
	log            *slog.Logger
	opts           Options
	registrationID string
	operationID    string
	ek             []byte
	srk            []byte
	payload        []byte // custom registration payload
	response       []byte // the last response body, parsed on the next DoWork
	retryAfter     time.Duration
	state          State
	conn           connState
	dial           bool // connect on the next DoWork even without a request
	open           bool
	connectedSent  bool // the connected status was reported for this connection
}

// bind stores the device identity for a new registration.
func (e *engine) bind(registrationID string, ek, srk []byte, h Handler) error {
	if registrationID == "" || h == nil {
		return ErrInvalidArgument
	}

	if e.opts.HSM == HSMTPM && (len(ek) == 0 || len(srk) == 0) {
		return ErrInvalidArgument
	}

	if e.open {
		return ErrAlreadyInProgress
	}

	if e.opts.HSM != HSMTPM {
		ek, srk = nil, nil
	}

	e.registrationID = registrationID
	e.ek = append([]byte(nil), ek...)
	e.srk = append([]byte(nil), srk...)
	e.handler = h
	e.state = StateIdle
	e.conn = connDisconnected
	e.dial = true
	e.open = true
	e.retryAfter = e.opts.RetryAfter
	return nil
}

// register moves the transport to RegSend.
func (e *engine) register(payload []byte) error {
	if !e.open {
		return ErrNotOpen
	}

	if e.outstanding() || e.operationID != "" {
		return ErrAlreadyInProgress
	}

	if e.state == StateError {
		return ErrInvalidState
	}

	e.payload = append([]byte(nil), payload...)
	e.state = StateRegSend
	atomic.AddInt64(&e.opts.Info.RegistrationsStarted, 1)
	return nil
}

// getOperationStatus moves the transport to StatusSend.
func (e *engine) getOperationStatus() error {
	if !e.open {
		return ErrNotOpen
	}

	if e.operationID == "" {
		return ErrOperationIDNotSet
	}

	if e.state == StateError {
		return ErrInvalidState
	}

	if e.outstanding() {
		return ErrAlreadyInProgress
	}

	e.state = StateStatusSend
	return nil
}

// outstanding returns true while a request is queued, in flight, or has a
// response waiting to be processed.
func (e *engine) outstanding() bool {
	switch e.state {
	case StateRegSend, StateRegSent, StateRegRecv,
		StateStatusSend, StateStatusSent, StateStatusRecv:
		return true
	}
	return false
}

// wantsConnection returns true if the next DoWork should connect.
func (e *engine) wantsConnection() bool {
	if !e.open || e.conn != connDisconnected {
		return false
	}
	return e.dial || e.state == StateRegSend || e.state == StateStatusSend
}

// connected records an established connection and reports it once.
func (e *engine) connected() {
	e.conn = connConnected
	e.dial = false
	if e.connectedSent {
		return
	}

	e.connectedSent = true
	e.log.Debug("provisioning transport connected", "registration", e.registrationID)
	e.handler.OnStatus(StatusConnected, e.retryAfter)
}

// connectionFailed records a failed or lost connection. The request in
// progress, if any, fails on the next DoWork. Otherwise the next request
// reconnects.
func (e *engine) connectionFailed(err error) {
	e.log.Warn("provisioning connection failed", "registration", e.registrationID, "error", err)
	e.dial = false
	e.connectedSent = false
	e.conn = connDisconnected
	if e.state != StateIdle {
		e.conn = connFailed
		e.fail(err)
	}

	if e.handler != nil {
		e.handler.OnError(err)
	}
}

// sent records that the pending request was written.
func (e *engine) sent() {
	switch e.state {
	case StateRegSend:
		e.state = StateRegSent
	case StateStatusSend:
		e.state = StateStatusSent
	}
}

// receive classifies a response by its service status code.
func (e *engine) receive(status int, body []byte, retryAfter time.Duration) {
	if e.state != StateRegSent && e.state != StateStatusSent {
		e.log.Debug("discarding unexpected provisioning response", "registration", e.registrationID, "status", status, "state", e.state)
		return
	}

	e.retryAfter = retryAfter
	switch {
	case status >= 429:
		atomic.AddInt64(&e.opts.Info.TransientResponses, 1)
		e.state = StateTransient
		return
	case status >= 300:
		e.log.Warn("provisioning request rejected", "registration", e.registrationID, "status", status, "body", string(body))
		e.fail(ErrServiceRejected)
		return
	}

	e.response = append(e.response[:0], body...)
	if e.state == StateRegSent {
		e.state = StateRegRecv
	} else {
		e.state = StateStatusRecv
	}
}

// fail moves the transport to Error. The error is surfaced to the handler
// on the next DoWork.
func (e *engine) fail(err error) {
	if e.state != StateError {
		e.log.Debug("provisioning transport error", "registration", e.registrationID, "state", e.state, "error", err)
	}
	e.state = StateError
}

// process handles the states which are the same for every protocol. It is
// called by DoWork once the connection has been pumped.
func (e *engine) process() {
	switch e.state {
	case StateRegRecv, StateStatusRecv:
		e.processResponse()

	case StateTransient:
		e.state = StateIdle
		e.handler.OnStatus(StatusTransient, e.retryAfter)

	case StateError:
		e.state = StateIdle
		atomic.AddInt64(&e.opts.Info.RegistrationsFailed, 1)
		e.handler.OnRegistrationComplete(ResultError, nil)
		if e.conn == connFailed {
			e.conn = connDisconnected
		}
	}
}

// processResponse decodes the buffered response and acts on its status.
func (e *engine) processResponse() {
	ps, err := e.opts.Codec.ParseStatus(e.response)
	e.response = e.response[:0]
	if err != nil {
		e.log.Warn("failed to parse provisioning response", "registration", e.registrationID, "error", err)
		e.fail(err)
		return
	}

	e.state = StateIdle
	switch ps.Status {
	case StatusUnassigned, StatusAssigning:
		if ps.OperationID == "" {
			e.log.Warn("provisioning response has no operation id", "registration", e.registrationID, "status", ps.Status)
			e.fail(ErrOperationIDNotSet)
			return
		}

		if e.operationID == "" {
			e.operationID = ps.OperationID
		}
		e.handler.OnStatus(ps.Status, e.retryAfter)

	case StatusAssigned:
		atomic.AddInt64(&e.opts.Info.RegistrationsAssigned, 1)
		e.handler.OnRegistrationComplete(ResultOK, &Registration{
			AuthorizationKey: ps.AuthorizationKey,
			IoTHubURI:        ps.IoTHubURI,
			DeviceID:         ps.DeviceID,
		})

	default:
		e.log.Warn("provisioning failed", "registration", e.registrationID, "status", ps.Status, "code", ps.ErrorCode, "message", ps.ErrorMessage)
		e.fail(ErrServiceRejected)
	}
}

// reset clears the registration state held by the transport.
func (e *engine) reset() {
	e.operationID = ""
	e.ek = nil
	e.srk = nil
	e.payload = nil
	e.response = nil
	e.registrationID = ""
	e.state = StateIdle
	e.conn = connDisconnected
	e.dial = false
	e.open = false
	e.connectedSent = false
}
