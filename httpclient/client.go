// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package httpclient is a non-blocking http/1.1 client driven by DoWork over
// a transports.Transport.
package httpclient

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/provisioner/mempool"
	"github.com/mochi-mqtt/provisioner/system"
	"github.com/mochi-mqtt/provisioner/transports"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidMethod   = errors.New("invalid http method")
	ErrNotOpen         = errors.New("http client is not open")
	ErrAlreadyOpen     = errors.New("http client is already open")
)

// Method is an http request method.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
	MethodHead   Method = "HEAD"
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead:
		return true
	}
	return false
}

// Options contains configurable values for a client.
type Options struct {
	Logger *slog.Logger
	Info   *system.Info
	Trace  bool
}

func (o *Options) ensureDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Info == nil {
		o.Info = new(system.Info)
	}
}

// request is a queued http request.
type request struct {
	onResponse ResponseFn
	id         string
	method     Method
	path       string
	headers    Headers
	body       []byte
}

// Client sends queued requests over a transport and parses the responses.
// It is not safe for concurrent use.
type Client struct {
	transport   transports.Transport
	parser      *Parser
	onConnected func(result Result)
	onError     func(err error)
	log         *slog.Logger
	opts        Options
	host        string
	queue       []*request // requests waiting to be sent, in order
	awaiting    []*request // sent requests waiting for a response, in order
	port        int
	state       State
}

// New returns a new client over transport t.
func New(t transports.Transport, opts *Options) (*Client, error) {
	if t == nil {
		return nil, ErrInvalidArgument
	}

	if opts == nil {
		opts = new(Options)
	}
	o := *opts
	o.ensureDefaults()

	c := &Client{
		transport: t,
		opts:      o,
		log:       o.Logger,
	}
	c.parser = NewParser(c.onResponse)
	return c, nil
}

// State returns the connection state of the client.
func (c *Client) State() State {
	return c.state
}

// Pending returns the number of requests queued or awaiting a response.
func (c *Client) Pending() int {
	return len(c.queue) + len(c.awaiting)
}

// SetTrace enables or disables request tracing.
func (c *Client) SetTrace(on bool) {
	c.opts.Trace = on
}

// Open opens the transport to host. onConnected is called once the attempt
// completes, and onError if the connection later fails.
func (c *Client) Open(host string, port int, onConnected func(result Result), onError func(err error)) error {
	if host == "" || onConnected == nil {
		return ErrInvalidArgument
	}

	switch c.state {
	case StateOpening, StateOpen, StateClosing:
		return ErrAlreadyOpen
	}

	c.host = host
	c.port = port
	c.onConnected = onConnected
	c.onError = onError
	c.parser.Reset()
	c.state = StateOpening

	if err := c.transport.Open(c.onOpen, c.onBytes, c.onIOError); err != nil {
		c.state = StateError
		return fmt.Errorf("open transport: %w", err)
	}

	return nil
}

func (c *Client) onOpen(err error) {
	if err != nil {
		c.log.Warn("http connection failed", "host", c.host, "error", err)
		c.state = StateError
		c.onConnected(ResultOpenFailed)
		return
	}

	c.state = StateOpen
	atomic.AddInt64(&c.opts.Info.Connections, 1)
	c.onConnected(ResultOK)
}

func (c *Client) onBytes(b []byte) {
	atomic.AddInt64(&c.opts.Info.BytesReceived, int64(len(b)))
	c.parser.Feed(b)
}

func (c *Client) onIOError(err error) {
	c.log.Warn("http connection error", "host", c.host, "error", err)
	if c.state == StateOpen {
		atomic.AddInt64(&c.opts.Info.Connections, -1)
	}
	c.state = StateError

	awaiting := c.awaiting
	c.awaiting = nil
	for _, req := range awaiting {
		req.onResponse(ResultError, nil, 0, nil)
	}

	if c.onError != nil {
		c.onError(err)
	}
}

// onResponse passes a parsed response to the oldest request awaiting one.
func (c *Client) onResponse(result Result, body []byte, status int, headers Headers) {
	atomic.AddInt64(&c.opts.Info.ResponsesReceived, 1)
	if result != ResultOK {
		c.log.Warn("failed to parse http response", "host", c.host, "error", c.parser.Err())
		awaiting := c.awaiting
		c.awaiting = nil
		for _, req := range awaiting {
			req.onResponse(result, nil, status, headers)
		}
		return
	}

	if len(c.awaiting) == 0 {
		c.log.Debug("discarding unsolicited http response", "host", c.host, "status", status)
		return
	}

	req := c.awaiting[0]
	c.awaiting = c.awaiting[1:]
	if c.opts.Trace {
		c.log.Debug("http response", "request", req.id, "status", status, "bytes", len(body))
	}

	req.onResponse(result, body, status, headers)
}

// ExecuteRequest queues a request to be sent on a later DoWork.
func (c *Client) ExecuteRequest(method Method, path string, headers Headers, body []byte, onResponse ResponseFn) error {
	if !method.valid() {
		return ErrInvalidMethod
	}

	if path == "" || onResponse == nil {
		return ErrInvalidArgument
	}

	switch c.state {
	case StateOpening, StateOpen:
	default:
		return ErrNotOpen
	}

	c.queue = append(c.queue, &request{
		id:         xid.New().String(),
		method:     method,
		path:       path,
		headers:    headers.Clone(),
		body:       append([]byte(nil), body...),
		onResponse: onResponse,
	})

	return nil
}

// DoWork pumps the transport and sends at most one queued request.
func (c *Client) DoWork() {
	c.transport.DoWork()
	if c.state != StateOpen || len(c.queue) == 0 {
		return
	}

	req := c.queue[0]
	c.queue = c.queue[1:]
	c.send(req)
}

// send writes the request line, headers and body to the transport.
func (c *Client) send(req *request) {
	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)

	buf.WriteString(string(req.method) + " " + req.path + " HTTP/1.1\r\n")
	for _, h := range req.headers {
		buf.WriteString(h.Key + ": " + h.Value + "\r\n")
	}

	if !req.headers.Has("host") {
		host := c.host
		if c.port > 0 {
			host += ":" + strconv.Itoa(c.port)
		}
		buf.WriteString("Host: " + host + "\r\n")
	}

	buf.WriteString("Content-Length: " + strconv.Itoa(len(req.body)) + "\r\n\r\n")
	buf.Write(req.body)

	n := buf.Len()
	c.awaiting = append(c.awaiting, req)
	err := c.transport.Send(buf.Bytes(), func(err error) {
		if err != nil {
			c.failRequest(req, err)
		}
	})
	if err != nil {
		c.failRequest(req, err)
		return
	}

	atomic.AddInt64(&c.opts.Info.RequestsSent, 1)
	atomic.AddInt64(&c.opts.Info.BytesSent, int64(n))
	if c.opts.Trace {
		c.log.Debug("http request", "request", req.id, "method", req.method, "path", req.path, "bytes", n)
	}
}

// failRequest removes req from the awaiting list and reports a send failure.
func (c *Client) failRequest(req *request, err error) {
	for i, r := range c.awaiting {
		if r == req {
			c.awaiting = append(c.awaiting[:i], c.awaiting[i+1:]...)
			break
		}
	}

	c.log.Warn("failed to send http request", "request", req.id, "error", err)
	req.onResponse(ResultSendFailed, nil, 0, nil)
}

// Close closes the transport, discarding any queued requests.
func (c *Client) Close(onClosed func()) error {
	switch c.state {
	case StateInitial, StateClosed:
		if onClosed != nil {
			onClosed()
		}
		return nil
	}

	if c.state == StateOpen {
		atomic.AddInt64(&c.opts.Info.Connections, -1)
	}

	c.state = StateClosing
	c.queue = nil
	c.awaiting = nil
	c.parser.Reset()
	return c.transport.Close(func() {
		c.state = StateClosed
		if onClosed != nil {
			onClosed()
		}
	})
}
