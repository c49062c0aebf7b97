// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transports

import (
	"sync"
)

// Mock is a scripted in-memory transport for use in tests. Opening completes
// on the next DoWork, and bytes queued with Inject are delivered on DoWork.
type Mock struct {
	sync.RWMutex
	onOpen    OnOpenFn
	onBytes   OnBytesFn
	onError   OnErrorFn
	inbound   [][]byte
	Sent      [][]byte // every frame passed to Send, in order
	OpenErr   error    // fail the open attempt with this error
	ErrSend   error    // report this error from every send completion
	ErrOpen   error    // return this error synchronously from Open
	Opens     int      // the number of times Open was called
	Closes    int      // the number of times Close was called
	Works     int      // the number of times DoWork was called
	opening   bool
	IsOpen    bool
	onClose   OnCloseFn
	HoldOpen  bool // keep the open attempt pending until released
	HoldClose bool // keep close completion pending until CompleteClose
	Closed    bool
}

// NewMock returns a new mock transport.
func NewMock() *Mock {
	return &Mock{}
}

// Open records the callbacks. Completion happens on the next DoWork.
func (m *Mock) Open(onOpen OnOpenFn, onBytes OnBytesFn, onError OnErrorFn) error {
	if onOpen == nil || onBytes == nil || onError == nil {
		return ErrNilCallback
	}

	m.Lock()
	defer m.Unlock()
	if m.ErrOpen != nil {
		return m.ErrOpen
	}

	m.onOpen, m.onBytes, m.onError = onOpen, onBytes, onError
	m.opening = true
	m.Closed = false
	m.Opens++
	return nil
}

// Send records b.
func (m *Mock) Send(b []byte, onSend OnSendFn) error {
	m.Lock()
	if !m.IsOpen {
		m.Unlock()
		return ErrNotOpen
	}

	m.Sent = append(m.Sent, append([]byte(nil), b...))
	err := m.ErrSend
	m.Unlock()

	if onSend != nil {
		onSend(err)
	}
	return nil
}

// Close marks the transport closed.
func (m *Mock) Close(onClose OnCloseFn) error {
	m.Lock()
	m.IsOpen = false
	m.opening = false
	m.Closed = true
	m.Closes++
	m.inbound = nil
	if m.HoldClose {
		m.onClose, onClose = onClose, nil
	}
	m.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// DoWork completes a pending open and delivers injected bytes.
func (m *Mock) DoWork() {
	m.Lock()
	m.Works++
	onOpen, opening := m.onOpen, m.opening && !m.HoldOpen
	if opening {
		m.opening = false
		m.IsOpen = m.OpenErr == nil
	}
	openErr := m.OpenErr
	m.Unlock()

	if opening {
		onOpen(openErr)
	}

	for {
		m.Lock()
		if !m.IsOpen || len(m.inbound) == 0 {
			m.Unlock()
			return
		}
		b := m.inbound[0]
		m.inbound = m.inbound[1:]
		onBytes := m.onBytes
		m.Unlock()

		onBytes(b)
	}
}

// Inject queues bytes to be delivered as received on the next DoWork.
func (m *Mock) Inject(b []byte) {
	m.Lock()
	defer m.Unlock()
	m.inbound = append(m.inbound, append([]byte(nil), b...))
}

// Fail reports an i/o error to the owner immediately.
func (m *Mock) Fail(err error) {
	m.RLock()
	onError := m.onError
	m.RUnlock()
	if onError != nil {
		onError(err)
	}
}

// Release lets a held open attempt complete on the next DoWork.
func (m *Mock) Release() {
	m.Lock()
	defer m.Unlock()
	m.HoldOpen = false
}

// CompleteClose reports a held close as complete.
func (m *Mock) CompleteClose() {
	m.Lock()
	onClose := m.onClose
	m.onClose = nil
	m.HoldClose = false
	m.Unlock()

	if onClose != nil {
		onClose()
	}
}

// SentCount returns the number of frames sent.
func (m *Mock) SentCount() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.Sent)
}

// Last returns the most recently sent frame.
func (m *Mock) Last() []byte {
	m.RLock()
	defer m.RUnlock()
	if len(m.Sent) == 0 {
		return nil
	}
	return m.Sent[len(m.Sent)-1]
}

// Reset clears the record of sent frames.
func (m *Mock) Reset() {
	m.Lock()
	defer m.Unlock()
	m.Sent = nil
}
