// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles encode buffers.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap matches the default AMQP max frame size. Buffers that grew
// past it are dropped instead of pinning the memory.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and takes back the ones small enough to keep.
type Pool struct {
	maxCap int
	p      sync.Pool
}

// New creates a pool keeping buffers up to maxCap bytes.
func New(maxCap int) *Pool {
	return &Pool{
		maxCap: maxCap,
		p:      sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.p.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. It reports whether b was kept.
func (p *Pool) Put(b *bytes.Buffer) bool {
	if b == nil || b.Cap() > p.maxCap {
		return false
	}
	p.p.Put(b)
	return true
}

var std = New(DefaultMaxCap)

func Get() *bytes.Buffer { return std.Get() }

func Put(b *bytes.Buffer) { std.Put(b) }
