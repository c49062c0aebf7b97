// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the scratch buffers outbound frames are encoded into.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity the default pool keeps.
// Larger buffers, such as those used for a big publish payload, are dropped
// after use rather than pinned in the pool.
const DefaultMaxCap = 64 * 1024

var bufPool = New(DefaultMaxCap)

// GetBuffer takes a Buffer from the default buffer pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a Buffer to the default buffer pool.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// Pool is a pool of reusable byte buffers.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New returns a buffer pool. Buffers which have grown beyond maxCap are not
// returned to the pool. If maxCap <= 0, no limit is enforced.
func New(maxCap int) *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		maxCap: maxCap,
	}
}

// Get a Buffer from the pool.
func (p *Pool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put the Buffer back into pool. It resets the Buffer for reuse.
func (p *Pool) Put(x *bytes.Buffer) {
	if p.maxCap > 0 && x.Cap() > p.maxCap {
		return
	}

	x.Reset()
	p.pool.Put(x)
}
