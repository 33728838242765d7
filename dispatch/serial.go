// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/internal/lockfree"
)

// SerialQueue runs its tasks one at a time in submission order.
//
// A serial queue never runs tasks by itself. When it has work it posts a
// single drain onto its target queue; the drain runs a bounded batch and
// posts itself again if work remains. At most one drain is outstanding, which
// is what keeps two tasks of the same queue from running concurrently.
type SerialQueue struct {
	d     *Dispatcher
	label string
	prio  Priority
	opts  QueueOption

	target atomic.Pointer[queueRef]
	tasks  *lockfree.Queue[item]
	size   atomic.Int64

	triggered atomic.Bool
	suspended atomic.Int32
	pinned    atomic.Bool

	refs     atomic.Int32
	disposed atomic.Bool
	mu       sync.Mutex
	disposer Task

	// Set by PooledContext before the queue is shared.
	pooled  *PooledContext
	onDrain func(it item)

	drainFn Task
}

type queueRef struct{ q Queue }

var _ Queue = (*SerialQueue)(nil)

func newSerialQueue(d *Dispatcher, label string, p Priority, tq Queue, opts QueueOption) *SerialQueue {
	if label == "" {
		label = newLabel("serial")
	}
	q := &SerialQueue{
		d:     d,
		label: label,
		prio:  p,
		opts:  opts,
		tasks: lockfree.New[item](),
	}
	q.target.Store(&queueRef{q: tq})
	q.refs.Store(1)
	q.drainFn = q.drain
	return q
}

func (q *SerialQueue) Label() string      { return q.label }
func (q *SerialQueue) Kind() QueueKind    { return KindSerial }
func (q *SerialQueue) Priority() Priority { return q.prio }

// Len returns the number of tasks waiting to run.
func (q *SerialQueue) Len() int { return int(q.size.Load()) }

func (q *SerialQueue) DispatchAsync(ctx context.Context, task Task) {
	if task == nil {
		return
	}
	q.enqueue(ctx, item{task: task})
}

func (q *SerialQueue) DispatchSync(ctx context.Context, task Task) error {
	return dispatchSync(ctx, q.d, q, task)
}

func (q *SerialQueue) DispatchAfter(_ context.Context, task Task, delay time.Duration) error {
	return dispatchAfter(q.d, q, task, delay)
}

func (q *SerialQueue) DispatchApply(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	return dispatchApply(ctx, q.d, q, n, fn)
}

// TargetQueue returns the queue drains are posted to.
func (q *SerialQueue) TargetQueue() Queue {
	return q.target.Load().q
}

// SetTargetQueue redirects future drains to tq. A drain already posted to
// the previous target finishes there first, so tasks keep their order.
// A nil tq restores the global queue of the queue's priority.
func (q *SerialQueue) SetTargetQueue(tq Queue) {
	if tq == nil {
		tq = q.d.global[q.prio]
	}
	if tq == Queue(q) {
		panic("dispatch: serial queue cannot target itself")
	}
	q.target.Store(&queueRef{q: tq})
}

// Suspend stops the queue at the next task boundary. Calls nest.
func (q *SerialQueue) Suspend() {
	q.suspended.Add(1)
}

// Resume undoes one Suspend and restarts draining once the count reaches
// zero. Resuming a queue that is not suspended panics.
func (q *SerialQueue) Resume() {
	n := q.suspended.Add(-1)
	if n < 0 {
		q.suspended.Add(1)
		panic("dispatch: unbalanced resume of " + q.label)
	}
	if n == 0 && q.size.Load() > 0 {
		q.trigger(context.Background())
	}
}

func (q *SerialQueue) IsSuspended() bool {
	return q.suspended.Load() > 0
}

// SetDisposer registers fn to run on the queue once its last reference is
// released.
func (q *SerialQueue) SetDisposer(fn Task) {
	q.mu.Lock()
	q.disposer = fn
	q.mu.Unlock()
}

// Retain adds a reference. Queues start with one.
func (q *SerialQueue) Retain() {
	if q.refs.Add(1) <= 1 {
		panic("dispatch: retain of released queue " + q.label)
	}
}

// Release drops a reference. Dropping the last one dispatches the disposer
// onto the queue, behind everything already queued.
func (q *SerialQueue) Release() {
	n := q.refs.Add(-1)
	if n < 0 {
		panic("dispatch: unbalanced release of " + q.label)
	}
	if n > 0 || !q.disposed.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	fn := q.disposer
	q.disposer = nil
	q.mu.Unlock()
	if fn != nil {
		q.enqueue(context.Background(), item{task: fn})
	}
}

func (q *SerialQueue) enqueue(ctx context.Context, it item) {
	if q.onDrain != nil && !it.internal {
		if w := WorkerFrom(ctx); w != nil && !w.main {
			it.caller = w
		}
		it.callerCtx = ContextFrom(ctx)
	}
	if q.opts&StickToCallerThread != 0 {
		q.followCaller(ctx)
	}

	q.tasks.Push(it)
	q.size.Add(1)
	if q.suspended.Load() == 0 {
		q.trigger(ctx)
	}
}

func (q *SerialQueue) followCaller(ctx context.Context) {
	w := WorkerFrom(ctx)
	if w == nil || w.d != q.d || w.main {
		return
	}
	if q.TargetQueue().Kind() != KindGlobal {
		return
	}
	q.SetTargetQueue(w.queues[q.prio])
}

func (q *SerialQueue) trigger(ctx context.Context) {
	if q.triggered.CompareAndSwap(false, true) {
		post(ctx, q.TargetQueue(), item{task: q.drainFn, internal: true})
	}
}

func (q *SerialQueue) drain(ctx context.Context) {
	if q.opts&StickToDispatchThread != 0 && !q.pinned.Load() {
		if w := WorkerFrom(ctx); w != nil && q.pinned.CompareAndSwap(false, true) {
			q.SetTargetQueue(w.queues[q.prio])
		}
	}

	qctx := withQueue(ctx, q)
	if q.pooled != nil {
		qctx = withPooled(qctx, q.pooled)
	}

	// Only what was queued on entry runs in this visit so that a queue that
	// is fed continuously cannot hold its target forever.
	budget := q.size.Load()
	var done int64
	for done < budget && q.suspended.Load() == 0 {
		it, ok := q.tasks.Pop()
		if !ok {
			break
		}
		done++
		if it.internal {
			it.task(qctx)
			continue
		}
		if q.onDrain != nil {
			q.onDrain(it)
		}
		q.d.execute(qctx, q, it.task)
	}

	q.size.Add(-done)
	q.triggered.Store(false)
	if q.size.Load() > 0 && q.suspended.Load() == 0 {
		q.trigger(ctx)
	}
}
