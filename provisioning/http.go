// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"fmt"
	"net/url"

	"github.com/mochi-mqtt/provisioner/httpclient"
	"github.com/mochi-mqtt/provisioner/transports"
)

// DefaultHTTPPort is the port used by the http transport when none is set.
const DefaultHTTPPort = 443

// HTTPTransport provisions a device with http requests.
type HTTPTransport struct {
	engine
	client     *httpclient.Client
	token      string // authorization from a completed tpm challenge
	challenged bool   // a tpm challenge was answered for this registration
}

// NewHTTP returns a provisioning transport which sends requests over t.
func NewHTTP(t transports.Transport, opts *Options) (*HTTPTransport, error) {
	if t == nil {
		return nil, ErrInvalidArgument
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	o := *opts
	o.ensureDefaults(DefaultHTTPPort)

	client, err := httpclient.New(t, &httpclient.Options{
		Logger: o.Logger,
		Info:   o.Info,
		Trace:  o.Trace,
	})
	if err != nil {
		return nil, err
	}

	h := &HTTPTransport{client: client}
	h.opts = o
	h.log = o.Logger
	return h, nil
}

// Open binds the device identity. The connection is opened on the next
// DoWork.
func (h *HTTPTransport) Open(registrationID string, ek, srk []byte, handler Handler) error {
	return h.bind(registrationID, ek, srk, handler)
}

// RegisterDevice requests a registration.
func (h *HTTPTransport) RegisterDevice(payload []byte) error {
	if err := h.register(payload); err != nil {
		return err
	}

	h.token = ""
	h.challenged = false
	return nil
}

// GetOperationStatus requests a poll of the current operation.
func (h *HTTPTransport) GetOperationStatus() error {
	return h.getOperationStatus()
}

// State returns the request state.
func (h *HTTPTransport) State() State {
	return h.state
}

// OperationID returns the operation id issued by the service, if any.
func (h *HTTPTransport) OperationID() string {
	return h.operationID
}

// SetTrace enables or disables request tracing.
func (h *HTTPTransport) SetTrace(on bool) {
	h.opts.Trace = on
	h.client.SetTrace(on)
}

// DoWork opens the connection if needed, sends any pending request and
// processes responses.
func (h *HTTPTransport) DoWork() {
	if h.wantsConnection() {
		h.connect()
	}

	if h.conn == connConnected {
		switch h.state {
		case StateRegSend:
			h.sendRegistration()
		case StateStatusSend:
			h.sendOperationStatus()
		}
	}

	h.client.DoWork()
	if h.open {
		h.process()
	}
}

// Close closes the connection and clears the registration.
func (h *HTTPTransport) Close() error {
	err := h.client.Close(nil)
	h.reset()
	h.token = ""
	h.challenged = false
	return err
}

func (h *HTTPTransport) connect() {
	h.conn = connConnecting
	if err := h.client.Open(h.opts.Host, h.opts.Port, h.onConnected, h.onIOError); err != nil {
		h.connectionFailed(fmt.Errorf("%w: %v", ErrConnection, err))
	}
}

func (h *HTTPTransport) onConnected(result httpclient.Result) {
	if result != httpclient.ResultOK {
		_ = h.client.Close(nil)
		h.connectionFailed(fmt.Errorf("%w: %s", ErrConnection, result))
		return
	}

	h.connected()
}

func (h *HTTPTransport) onIOError(err error) {
	_ = h.client.Close(nil)
	h.connectionFailed(fmt.Errorf("%w: %v", ErrConnection, err))
}

// headers returns the request headers, including any authorization.
func (h *HTTPTransport) headers() (httpclient.Headers, error) {
	headers := httpclient.Headers{}
	headers.Add("User-Agent", h.opts.UserAgent)
	headers.Add("Accept", "application/json")
	headers.Add("Content-Type", "application/json; charset=utf-8")
	headers.Add("Connection", "keep-alive")

	switch {
	case h.token != "":
		headers.Add("Authorization", h.token)
	case h.opts.HSM == HSMSymmetricKey:
		token, err := h.handler.OnChallenge(nil, KeyName)
		if err != nil {
			return nil, err
		}
		headers.Add("Authorization", token)
	}

	return headers, nil
}

func (h *HTTPTransport) registrationPath() string {
	return "/" + url.PathEscape(h.opts.ScopeID) + "/registrations/" + url.PathEscape(h.registrationID)
}

func (h *HTTPTransport) sendRegistration() {
	body, err := h.opts.Codec.RegistrationBody(h.registrationID, h.ek, h.srk, h.payload)
	if err != nil {
		h.fail(err)
		return
	}

	headers, err := h.headers()
	if err != nil {
		h.fail(err)
		return
	}

	path := h.registrationPath() + "/register?api-version=" + url.QueryEscape(h.opts.APIVersion)
	h.send(httpclient.MethodPut, path, headers, body)
}

func (h *HTTPTransport) sendOperationStatus() {
	headers, err := h.headers()
	if err != nil {
		h.fail(err)
		return
	}

	path := h.registrationPath() + "/operations/" + url.PathEscape(h.operationID) + "?api-version=" + url.QueryEscape(h.opts.APIVersion)
	h.send(httpclient.MethodGet, path, headers, nil)
}

func (h *HTTPTransport) send(method httpclient.Method, path string, headers httpclient.Headers, body []byte) {
	if err := h.client.ExecuteRequest(method, path, headers, body, h.onResponse); err != nil {
		h.fail(err)
		return
	}

	h.sent()
}

// onResponse classifies the http response. A 401 to a tpm registration is
// a nonce challenge, answered once by resending with the handler's token.
func (h *HTTPTransport) onResponse(result httpclient.Result, body []byte, status int, headers httpclient.Headers) {
	switch result {
	case httpclient.ResultOK:
	case httpclient.ResultParseError:
		// the stream cannot be resynchronised, so the next request reconnects.
		_ = h.client.Close(nil)
		h.connectionFailed(fmt.Errorf("%w: %s", ErrConnection, result))
		return
	default:
		h.fail(fmt.Errorf("%w: %s", ErrConnection, result))
		return
	}

	if status == 401 && h.opts.HSM == HSMTPM && h.state == StateRegSent && !h.challenged {
		h.answerChallenge(body)
		return
	}

	retryAfter := h.opts.RetryAfter
	if v, ok := headers.Get("retry-after"); ok {
		retryAfter = ParseRetryAfter(v)
	}

	h.receive(status, body, retryAfter)
}

func (h *HTTPTransport) answerChallenge(body []byte) {
	h.challenged = true
	nonce, err := h.opts.Codec.ParseChallenge(body)
	if err != nil {
		h.fail(err)
		return
	}

	token, err := h.handler.OnChallenge(nonce, KeyName)
	if err != nil {
		h.log.Warn("tpm challenge failed", "registration", h.registrationID, "error", err)
		h.fail(err)
		return
	}

	h.token = token
	h.state = StateRegSend
}
