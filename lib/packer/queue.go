// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import "sync"

// workQueue is the FIFO between two pipeline stages. Enqueue never
// blocks. A single consumer drains it with dequeueOrWait.
type workQueue[T any] struct {
	mu     sync.Mutex
	ready  *sync.Cond
	items  []T
	head   int
	closed bool
}

func newWorkQueue[T any]() *workQueue[T] {
	q := &workQueue[T]{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue[T]) enqueue(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("packer: enqueue on completed work queue")
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.ready.Signal()
}

// completeAdding closes the queue. Items already queued are still
// delivered.
func (q *workQueue[T]) completeAdding() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
}

// dequeueOrWait blocks until an item is available or the queue is
// closed and drained, in which case ok is false.
func (q *workQueue[T]) dequeueOrWait() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && !q.closed {
		q.ready.Wait()
	}
	if q.head == len(q.items) {
		return item, false
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}
