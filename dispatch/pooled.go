// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/dispatch/balancer"
)

// Dispatchable is the recurring work of a pooled context.
type Dispatchable func(ctx context.Context)

// PooledContext is registered recurring work bound to one worker at a time.
// Its serial queue targets the owner's thread queue; reassigning the context
// retargets the queue, so tasks queued before the move still run in order
// and exactly once.
type PooledContext struct {
	d     *Dispatcher
	label string
	fn    Dispatchable
	queue *SerialQueue

	mu    sync.Mutex // serializes AssignTo
	owner atomic.Pointer[Worker]

	// Only used from the queue's drain.
	tracker balancer.Tracker

	pending atomic.Bool
	closed  atomic.Bool
	runFn   Task
}

func newPooledContext(d *Dispatcher, label string, fn Dispatchable, w *Worker, opts QueueOption) *PooledContext {
	c := &PooledContext{
		d:       d,
		label:   label,
		fn:      fn,
		tracker: balancer.Noop{}.CreateTracker(nil),
	}
	c.owner.Store(w)
	c.queue = newSerialQueue(d, label, Default, w.queues[Default], opts)
	c.queue.pooled = c
	c.queue.onDrain = c.observe
	c.runFn = c.run
	return c
}

func (c *PooledContext) Label() string { return c.label }

// Owner returns the worker the context is currently assigned to.
func (c *PooledContext) Owner() *Worker { return c.owner.Load() }

// Queue returns the serial queue of the context.
func (c *PooledContext) Queue() *SerialQueue { return c.queue }

// AssignTo moves the context to w. Work already handed to the previous
// owner finishes there before w sees anything newer.
func (c *PooledContext) AssignTo(w *Worker) {
	if w == nil || w.d != c.d || w.main {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner.Load() == w {
		return
	}
	c.owner.Store(w)
	c.queue.SetTargetQueue(w.queues[c.queue.prio])
	c.d.stats.migrations.Add(1)
	c.d.metrics.RecordMigration()
}

// DispatchAsync runs task on the context's queue.
func (c *PooledContext) DispatchAsync(ctx context.Context, task Task) {
	c.queue.DispatchAsync(ctx, task)
}

// RequestDispatch asks for the Dispatchable to run. Requests made while one
// is pending are folded into it.
func (c *PooledContext) RequestDispatch(ctx context.Context) {
	if c.fn == nil || c.closed.Load() {
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.queue.DispatchAsync(ctx, c.runFn)
}

func (c *PooledContext) run(ctx context.Context) {
	c.pending.Store(false)
	c.fn(ctx)
}

// Close unregisters the context. Work already queued still runs; the
// tracker is released after it.
func (c *PooledContext) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.d.unregister(c)
	c.queue.SetDisposer(func(context.Context) { c.tracker.Close() })
	c.queue.Release()
}

// Closed reports whether Close was called.
func (c *PooledContext) Closed() bool { return c.closed.Load() }

// observe feeds the tracker. It runs on the drain, which is never concurrent
// with itself.
func (c *PooledContext) observe(it item) {
	var caller balancer.Dispatcher
	if it.caller != nil {
		caller = it.caller
	}
	var callerCtx balancer.Context
	if it.callerCtx != nil {
		callerCtx = tracked{c: it.callerCtx}
	}
	c.tracker.OnDispatchRequest(caller, callerCtx)
}

// tracked is the balancer's view of a pooled context.
type tracked struct {
	c *PooledContext
}

var _ balancer.Context = tracked{}

func (t tracked) Label() string { return t.c.label }

func (t tracked) Owner() balancer.Dispatcher {
	if w := t.c.Owner(); w != nil {
		return w
	}
	return nil
}

func (t tracked) AssignTo(d balancer.Dispatcher) {
	if w, ok := d.(*Worker); ok {
		t.c.AssignTo(w)
	}
}
