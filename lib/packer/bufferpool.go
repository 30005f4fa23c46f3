// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"sync"
	"sync/atomic"
)

// bufferPool hands out fixed-size block buffers. Released buffers are
// kept for reuse up to the memory budget; beyond it they are left to
// the garbage collector.
type bufferPool struct {
	size    int
	maxFree int

	mu          sync.Mutex
	free        [][]byte
	outstanding int
}

func newBufferPool(size int, budget uint64) *bufferPool {
	return &bufferPool{
		size:    size,
		maxFree: int(budget / uint64(size)),
	}
}

// pooledBuffer is one checked-out buffer. Release is idempotent.
type pooledBuffer struct {
	pool     *bufferPool
	data     []byte
	released atomic.Bool
}

func (p *bufferPool) acquire() *pooledBuffer {
	p.mu.Lock()
	p.outstanding++
	var data []byte
	if n := len(p.free); n > 0 {
		data = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()
	if data == nil {
		data = make([]byte, p.size)
	}
	return &pooledBuffer{pool: p, data: data}
}

// Bytes returns the whole buffer.
func (b *pooledBuffer) Bytes() []byte {
	return b.data
}

func (b *pooledBuffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	p := b.pool
	data := b.data
	b.data = nil
	p.mu.Lock()
	p.outstanding--
	if len(p.free) < p.maxFree {
		p.free = append(p.free, data)
	}
	p.mu.Unlock()
}

// inUse returns the number of checked-out buffers.
func (p *bufferPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
