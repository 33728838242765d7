// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lockfree

import "sync/atomic"

// Queue is an unbounded lock-free MPMC FIFO (Michael-Scott linked queue).
//
// Any number of goroutines may Push and Pop concurrently. Items pushed by a
// single goroutine are popped in the order they were pushed. Nodes are never
// reused, so the garbage collector rules out ABA on the head and tail
// pointers.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	_    [56]byte // keep head and tail on separate cache lines
	tail atomic.Pointer[node[T]]
	_    [56]byte

	length atomic.Int64
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	stub := &node[T]{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) {
	n := &node[T]{value: v}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)
			return
		}
	}
}

// Pop removes and returns the head of the queue.
// Returns false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			v := next.value
			// next becomes the new stub; drop its reference to the value.
			next.value = zero
			q.length.Add(-1)
			return v, true
		}
	}
}

// Len returns the approximate number of queued items.
// The counter trails Push/Pop by one atomic operation, so it is meant for
// metrics and heuristics, not for synchronization.
func (q *Queue[T]) Len() int {
	n := q.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// IsEmpty reports whether the queue currently has no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}
