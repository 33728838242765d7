// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/absmach/fluxdispatch/internal/lockfree"
)

// GlobalQueue is the shared queue of one priority tier. Any worker may take
// work from it, so tasks submitted to it can run concurrently with each other.
type GlobalQueue struct {
	d     *Dispatcher
	prio  Priority
	label string
	items *lockfree.Queue[item]
}

var _ Queue = (*GlobalQueue)(nil)

func newGlobalQueue(d *Dispatcher, p Priority) *GlobalQueue {
	return &GlobalQueue{
		d:     d,
		prio:  p,
		label: d.label + "-global-" + p.String(),
		items: lockfree.New[item](),
	}
}

func (q *GlobalQueue) Label() string      { return q.label }
func (q *GlobalQueue) Kind() QueueKind    { return KindGlobal }
func (q *GlobalQueue) Priority() Priority { return q.prio }

// Len returns the approximate number of queued tasks.
func (q *GlobalQueue) Len() int { return q.items.Len() }

func (q *GlobalQueue) DispatchAsync(ctx context.Context, task Task) {
	if task == nil {
		return
	}
	q.enqueue(ctx, item{task: task})
}

func (q *GlobalQueue) DispatchSync(ctx context.Context, task Task) error {
	return dispatchSync(ctx, q.d, q, task)
}

func (q *GlobalQueue) DispatchAfter(_ context.Context, task Task, delay time.Duration) error {
	return dispatchAfter(q.d, q, task, delay)
}

func (q *GlobalQueue) DispatchApply(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	return dispatchApply(ctx, q.d, q, n, fn)
}

func (q *GlobalQueue) Suspend()             {}
func (q *GlobalQueue) Resume()              {}
func (q *GlobalQueue) IsSuspended() bool    { return false }
func (q *GlobalQueue) Retain()              {}
func (q *GlobalQueue) Release()             {}
func (q *GlobalQueue) TargetQueue() Queue   { return nil }
func (q *GlobalQueue) SetTargetQueue(Queue) {}

func (q *GlobalQueue) enqueue(_ context.Context, it item) {
	q.items.Push(it)
	q.d.wakeupOne()
}

func (q *GlobalQueue) poll() (item, bool) {
	return q.items.Pop()
}
