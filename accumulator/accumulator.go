// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package accumulator provides the growable receive buffer the packet decoder
// and the http response parser scan over while bytes trickle in.
package accumulator

import (
	"errors"
)

var (
	// ErrConsumeOverflow indicates more bytes were consumed than are held.
	ErrConsumeOverflow = errors.New("consume exceeds buffered length")
)

// rebaseThreshold is the number of dead bytes at the front of the buffer
// above which Consume compacts the remainder back to index zero.
const rebaseThreshold = 4096

// Buffer is an append-only byte buffer which can be shrunk from the front.
// It uses an offset and rebases lazily, so the logical content after
// Consume(n) is always the bytes from index n onward.
type Buffer struct {
	buf []byte // backing storage, live bytes are buf[off:]
	off int    // index of the first live byte
}

// New returns a new Buffer with capacity preallocated for size bytes.
func New(size int) *Buffer {
	return &Buffer{
		buf: make([]byte, 0, size),
	}
}

// Append adds data to the end of the buffer.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	if b.off > 0 && len(b.buf)+len(data) > cap(b.buf) {
		b.rebase()
	}

	b.buf = append(b.buf, data...)
}

// Consume drops n bytes from the front of the buffer.
func (b *Buffer) Consume(n int) error {
	if n < 0 || n > b.Len() {
		return ErrConsumeOverflow
	}

	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
		return nil
	}

	if b.off >= rebaseThreshold && b.off >= len(b.buf)/2 {
		b.rebase()
	}

	return nil
}

// Len returns the number of live bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Bytes returns a view of the live bytes. The slice is only valid until the
// next call to Append or Consume.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Snapshot returns an independent copy of the live bytes.
func (b *Buffer) Snapshot() []byte {
	out := make([]byte, b.Len())
	copy(out, b.buf[b.off:])
	return out
}

// Clone returns a new Buffer holding a copy of the live bytes.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{
		buf: b.Snapshot(),
	}
}

// Reset empties the buffer, retaining the allocated storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// rebase moves the live bytes to the start of the backing storage.
func (b *Buffer) rebase() {
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}
