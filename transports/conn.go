// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transports

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	readBufferSize      = 4096
	eventBacklog        = 64
)

// DialFunc establishes the underlying network connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

type eventKind byte

const (
	eventOpened eventKind = iota
	eventBytes
	eventError
)

type event struct {
	err  error
	data []byte
	conn net.Conn
	kind eventKind
}

// Options contains configurable values for a Conn transport.
type Options struct {
	Log          *slog.Logger
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o *Options) ensureDefaults() {
	if o.Log == nil {
		o.Log = slog.Default()
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// Conn adapts a net.Conn to the Transport interface. Dialling and reading
// happen on background goroutines which only queue events; the callbacks
// fire when the owner calls DoWork.
type Conn struct {
	mu      sync.Mutex
	dial    DialFunc
	conn    net.Conn
	events  chan event
	done    chan struct{}
	onOpen  OnOpenFn
	onBytes OnBytesFn
	onError OnErrorFn
	opts    Options
	id      string
	end     uint32 // ensure the close methods are only called once
}

// NewConn returns a transport which opens connections with dial.
func NewConn(id string, dial DialFunc, opts *Options) *Conn {
	if opts == nil {
		opts = new(Options)
	}
	o := *opts
	o.ensureDefaults()

	return &Conn{
		id:   id,
		dial: dial,
		opts: o,
	}
}

// NewTCP returns a transport connecting to address over tcp, or tls when
// tlsConfig is not nil.
func NewTCP(address string, tlsConfig *tls.Config, opts *Options) *Conn {
	dial := func(ctx context.Context) (net.Conn, error) {
		if tlsConfig != nil {
			d := &tls.Dialer{Config: tlsConfig}
			return d.DialContext(ctx, "tcp", address)
		}

		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}

	return NewConn(address, dial, opts)
}

// ID returns the identifier of the transport, usually the remote address.
func (c *Conn) ID() string {
	return c.id
}

// Open begins connecting in the background.
func (c *Conn) Open(onOpen OnOpenFn, onBytes OnBytesFn, onError OnErrorFn) error {
	if onOpen == nil || onBytes == nil || onError == nil {
		return ErrNilCallback
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		return ErrAlreadyOpen
	}

	c.onOpen, c.onBytes, c.onError = onOpen, onBytes, onError
	c.events = make(chan event, eventBacklog)
	c.done = make(chan struct{})
	atomic.StoreUint32(&c.end, 0)

	go c.connect(c.events, c.done)
	return nil
}

// connect dials and then reads from the connection until it fails or the
// transport is closed.
func (c *Conn) connect(events chan event, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.dial(ctx)
	cancel()
	if !c.queue(events, done, event{kind: eventOpened, conn: conn, err: err}) || err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	for {
		buf := make([]byte, readBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			if !c.queue(events, done, event{kind: eventBytes, data: buf[:n]}) {
				return
			}
		}

		if err != nil {
			c.queue(events, done, event{kind: eventError, err: err})
			return
		}
	}
}

func (c *Conn) queue(events chan event, done chan struct{}, e event) bool {
	select {
	case events <- e:
		return true
	case <-done:
		return false
	}
}

// DoWork delivers any queued events to the callbacks.
func (c *Conn) DoWork() {
	for {
		c.mu.Lock()
		events := c.events
		c.mu.Unlock()
		if events == nil {
			return
		}

		select {
		case e := <-events:
			c.dispatch(e)
		default:
			return
		}
	}
}

func (c *Conn) dispatch(e event) {
	switch e.kind {
	case eventOpened:
		if e.err != nil {
			c.opts.Log.Debug("transport open failed", "transport", c.id, "error", e.err)
			c.reset()
			c.onOpen(e.err)
			return
		}

		c.mu.Lock()
		c.conn = e.conn
		c.mu.Unlock()
		c.onOpen(nil)
	case eventBytes:
		c.onBytes(e.data)
	case eventError:
		if atomic.LoadUint32(&c.end) == 1 {
			return
		}
		c.onError(e.err)
	}
}

// Send writes b to the connection and reports completion through onSend.
func (c *Conn) Send(b []byte, onSend OnSendFn) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := conn.Write(b)
	if onSend != nil {
		onSend(err)
	}

	return nil
}

// Close closes the connection and discards any undelivered events.
func (c *Conn) Close(onClose OnCloseFn) error {
	if atomic.CompareAndSwapUint32(&c.end, 0, 1) {
		c.reset()
	}

	if onClose != nil {
		onClose()
	}

	return nil
}

func (c *Conn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		close(c.done)
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.conn = nil
	c.events = nil
	c.done = nil
}
