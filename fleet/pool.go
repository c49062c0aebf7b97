// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co, chowyu08, muXxer

package fleet

import (
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// taskChan is a channel for incoming task functions.
type taskChan chan func()

// FanPool is a fixed-sized fan-style worker pool with multiple working
// 'columns'. Each column is a queue processed by a single goroutine, and a
// registration id is always queued on the same column.
type FanPool struct {
	queue    []taskChan
	wg       sync.WaitGroup
	capacity uint64
	perChan  uint64
}

// NewFanPool returns a new instance of FanPool. fanSize controls the number
// of columns, whereas queueSize controls the size of each column's queue.
func NewFanPool(fanSize, queueSize uint64) *FanPool {
	pool := &FanPool{
		capacity: fanSize,
		perChan:  queueSize,
		queue:    make([]taskChan, fanSize),
	}

	pool.fillWorkers(fanSize)

	return pool
}

// fillWorkers adds columns to the fan pool with an associated worker goroutine.
func (p *FanPool) fillWorkers(n uint64) {
	for i := uint64(0); i < n; i++ {
		p.queue[i] = make(taskChan, p.perChan)
		p.wg.Add(1)
		go p.worker(p.queue[i])
	}
}

// worker processes tasks from a single queue until it is closed.
func (p *FanPool) worker(ch taskChan) {
	defer p.wg.Done()
	for task := range ch {
		task()
	}
}

// Enqueue adds a new task to the column belonging to id.
func (p *FanPool) Enqueue(id string, task func()) {
	if p.Size() == 0 {
		return
	}

	p.queue[p.index(id)] <- task
}

// index returns the column a registration id is processed on.
func (p *FanPool) index(id string) uint64 {
	return xh.Sum64String(id) % p.Size()
}

// Wait blocks until all the workers in the pool have completed.
func (p *FanPool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers.
func (p *FanPool) Close() {
	for i := 0; i < int(p.Size()); i++ {
		if p.queue[i] != nil {
			close(p.queue[i])
		}
	}
	p.queue = nil
	atomic.StoreUint64(&p.capacity, 0)
}

// Size returns the current number of workers in the pool.
func (p *FanPool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
