// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package transports provides the byte-stream boundary the mqtt session and
// http client are driven over, and adapters binding it to network
// connections.
package transports

import (
	"errors"
)

var (
	ErrNotOpen        = errors.New("transport is not open")
	ErrAlreadyOpen    = errors.New("transport is already open or opening")
	ErrInvalidMessage = errors.New("message type not binary")
	ErrNilCallback    = errors.New("callback must not be nil")
)

// OnOpenFn is called once an open attempt completes. err is nil on success.
type OnOpenFn func(err error)

// OnBytesFn is called with bytes received from the peer. The slice is only
// valid for the duration of the call.
type OnBytesFn func(b []byte)

// OnErrorFn is called when the connection fails after opening.
type OnErrorFn func(err error)

// OnSendFn is called when a send completes. err is nil on success.
type OnSendFn func(err error)

// OnCloseFn is called once the transport has closed.
type OnCloseFn func()

// Transport is an asynchronous byte-stream. Callbacks are only ever invoked
// from within the calling goroutine, either during Open, Send, Close or
// DoWork.
type Transport interface {
	Open(onOpen OnOpenFn, onBytes OnBytesFn, onError OnErrorFn) error
	Send(b []byte, onSend OnSendFn) error
	Close(onClose OnCloseFn) error
	DoWork()
}
