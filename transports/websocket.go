// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transports

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// NewWebsocket returns a transport carrying the byte-stream over binary
// websocket messages to url, negotiating the mqtt subprotocol.
func NewWebsocket(url string, tlsConfig *tls.Config, header http.Header, opts *Options) *Conn {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultDialTimeout,
		Subprotocols:     []string{"mqtt"},
		TLSClientConfig:  tlsConfig,
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		c, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}

		return &wsConn{Conn: c.UnderlyingConn(), c: c}, nil
	}

	return NewConn(url, dial, opts)
}

// wsConn is a websocket connection which satisfies the net.Conn interface.
type wsConn struct {
	net.Conn
	c *websocket.Conn
	r io.Reader // the reader of the message currently being consumed
}

// Read reads the next span of bytes from the websocket connection and returns
// the number of bytes read. A message larger than p is returned over several
// calls.
func (ws *wsConn) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			op, r, err := ws.c.NextReader()
			if err != nil {
				return 0, err
			}

			if op != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}
			ws.r = r
		}

		n, err := ws.r.Read(p)
		if errors.Is(err, io.EOF) {
			ws.r = nil
			err = nil
			if n == 0 {
				continue
			}
		}

		return n, err
	}
}

// Write writes bytes to the websocket connection as a single binary message.
func (ws *wsConn) Write(p []byte) (int, error) {
	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// SetWriteDeadline sets the write deadline on the websocket connection.
func (ws *wsConn) SetWriteDeadline(t time.Time) error {
	return ws.c.SetWriteDeadline(t)
}

// Close signals the underlying websocket conn to close.
func (ws *wsConn) Close() error {
	return ws.c.Close()
}
