// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/internal/chunklist"
	"github.com/absmach/fluxdispatch/internal/lockfree"
)

// ThreadQueue belongs to one worker and one priority tier. Posts carrying the
// owner's execution context go onto a local list drained ahead of the shared
// one; every other goroutine pushes onto the shared list and wakes the owner.
//
// A task's context may escape to goroutines the task starts, so the local
// list is guarded even though the owner is usually its only user.
type ThreadQueue struct {
	owner *Worker
	prio  Priority
	label string

	localMu sync.Mutex
	local   *chunklist.List[item]
	shared  *lockfree.Queue[item]

	// pushers counts enqueues in flight on the shared path so that a
	// terminating owner can wait for them before handing leftovers over.
	pushers atomic.Int32
}

var _ Queue = (*ThreadQueue)(nil)

func newThreadQueue(w *Worker, p Priority) *ThreadQueue {
	return &ThreadQueue{
		owner:  w,
		prio:   p,
		label:  w.name + "-" + p.String(),
		local:  chunklist.New[item](),
		shared: lockfree.New[item](),
	}
}

func (q *ThreadQueue) Label() string      { return q.label }
func (q *ThreadQueue) Kind() QueueKind    { return KindThread }
func (q *ThreadQueue) Priority() Priority { return q.prio }

// Owner returns the worker draining the queue.
func (q *ThreadQueue) Owner() *Worker { return q.owner }

func (q *ThreadQueue) DispatchAsync(ctx context.Context, task Task) {
	if task == nil {
		return
	}
	q.enqueue(ctx, item{task: task})
}

func (q *ThreadQueue) DispatchSync(ctx context.Context, task Task) error {
	return dispatchSync(ctx, q.owner.d, q, task)
}

func (q *ThreadQueue) DispatchAfter(_ context.Context, task Task, delay time.Duration) error {
	return dispatchAfter(q.owner.d, q, task, delay)
}

func (q *ThreadQueue) DispatchApply(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	return dispatchApply(ctx, q.owner.d, q, n, fn)
}

func (q *ThreadQueue) Suspend()             {}
func (q *ThreadQueue) Resume()              {}
func (q *ThreadQueue) IsSuspended() bool    { return false }
func (q *ThreadQueue) Retain()              {}
func (q *ThreadQueue) Release()             {}
func (q *ThreadQueue) TargetQueue() Queue   { return nil }
func (q *ThreadQueue) SetTargetQueue(Queue) {}

func (q *ThreadQueue) enqueue(ctx context.Context, it item) {
	q.pushers.Add(1)
	if q.owner.State() == Terminated {
		q.pushers.Add(-1)
		q.owner.d.global[q.prio].enqueue(ctx, it)
		return
	}

	if WorkerFrom(ctx) == q.owner {
		q.localMu.Lock()
		q.local.Push(it)
		q.localMu.Unlock()
		q.pushers.Add(-1)
		// Only a goroutine started by one of the owner's tasks can find it
		// waiting here. The main worker waits without going Idle.
		if q.owner.main || q.owner.State() == Idle {
			q.owner.wakeup()
		}
		return
	}

	q.shared.Push(it)
	q.pushers.Add(-1)
	q.owner.wakeup()
}

// pop is called by the owner only.
func (q *ThreadQueue) pop() (item, bool) {
	q.localMu.Lock()
	it, ok := q.local.Pop()
	q.localMu.Unlock()
	if ok {
		return it, true
	}
	return q.shared.Pop()
}

func (q *ThreadQueue) hasWork() bool {
	q.localMu.Lock()
	n := q.local.Len()
	q.localMu.Unlock()
	return n > 0 || !q.shared.IsEmpty()
}

// handOver moves everything left in the queue to the global queue of the same
// tier. The owner must already be Terminated.
func (q *ThreadQueue) handOver() int {
	for q.pushers.Load() > 0 {
		runtime.Gosched()
	}
	g := q.owner.d.global[q.prio]
	n := 0
	for {
		it, ok := q.pop()
		if !ok {
			return n
		}
		n++
		g.enqueue(context.Background(), it)
	}
}
