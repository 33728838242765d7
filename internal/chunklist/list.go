// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklist

import "sync"

const chunkSize = 128

// List is a FIFO made of fixed-size chunks linked together.
//
// List is NOT safe for concurrent use. It backs queues that are only ever
// touched by the goroutine that owns them.
type List[T any] struct {
	head   *chunk[T]
	tail   *chunk[T]
	length int
	pool   *sync.Pool
}

type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int
	pos     int
}

// New creates an empty list.
func New[T any]() *List[T] {
	return &List[T]{
		pool: &sync.Pool{New: func() any { return new(chunk[T]) }},
	}
}

func (l *List[T]) newChunk() *chunk[T] {
	c := l.pool.Get().(*chunk[T])
	c.next = nil
	c.readPos = 0
	c.pos = 0
	return c
}

func (l *List[T]) release(c *chunk[T]) {
	var zero T
	for i := c.readPos; i < c.pos; i++ {
		c.items[i] = zero
	}
	c.next = nil
	l.pool.Put(c)
}

// Push appends v.
func (l *List[T]) Push(v T) {
	if l.tail == nil {
		l.tail = l.newChunk()
		l.head = l.tail
	}
	if l.tail.pos == chunkSize {
		c := l.newChunk()
		l.tail.next = c
		l.tail = c
	}
	l.tail.items[l.tail.pos] = v
	l.tail.pos++
	l.length++
}

// Pop removes and returns the oldest item.
func (l *List[T]) Pop() (T, bool) {
	var zero T
	if l.length == 0 {
		return zero, false
	}
	if l.head.readPos == chunkSize {
		old := l.head
		l.head = old.next
		l.release(old)
	}
	v := l.head.items[l.head.readPos]
	l.head.items[l.head.readPos] = zero
	l.head.readPos++
	l.length--
	if l.length == 0 {
		// head == tail here; rewind so the chunk is reused from the start.
		l.head.readPos = 0
		l.head.pos = 0
	}
	return v, true
}

// Len returns the number of items.
func (l *List[T]) Len() int {
	return l.length
}
