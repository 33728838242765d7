// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue is the capability surface shared by every queue kind.
//
// Suspend, Resume, Retain, Release and SetTargetQueue only affect serial
// queues. Global and thread queues accept the calls and ignore them.
type Queue interface {
	Label() string
	Kind() QueueKind
	Priority() Priority

	// DispatchAsync enqueues task and returns immediately. ctx identifies the
	// caller; pass the task's own context when calling from inside a task.
	DispatchAsync(ctx context.Context, task Task)
	// DispatchSync blocks until task has run. Calling it with the queue that
	// is currently executing the caller deadlocks.
	DispatchSync(ctx context.Context, task Task) error
	DispatchAfter(ctx context.Context, task Task, delay time.Duration) error
	DispatchApply(ctx context.Context, n int, fn func(ctx context.Context, i int)) error

	Suspend()
	Resume()
	IsSuspended() bool
	Retain()
	Release()

	TargetQueue() Queue
	SetTargetQueue(Queue)
}

// QueueKind tells the queue variants apart.
type QueueKind uint8

const (
	KindGlobal QueueKind = iota
	KindSerial
	KindThread
)

func (k QueueKind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindSerial:
		return "serial"
	case KindThread:
		return "thread"
	default:
		return "unknown"
	}
}

// QueueOption is a serial queue behavior flag.
type QueueOption uint8

const (
	// StickToDispatchThread pins the queue to the thread queue of the worker
	// that first drains it.
	StickToDispatchThread QueueOption = 1 << iota
	// StickToCallerThread moves a queue that targets a global queue onto the
	// thread queue of the next worker that dispatches to it.
	StickToCallerThread
)

func mergeOptions(opts []QueueOption) QueueOption {
	var o QueueOption
	for _, opt := range opts {
		o |= opt
	}
	return o
}

// item is what the queues store. Internal items are engine bookkeeping
// (serial drains, poison pills) and are not counted or guarded as tasks.
type item struct {
	task     Task
	internal bool

	// Caller identity, only recorded by serial queues that track callers.
	caller    *Worker
	callerCtx *PooledContext
}

// target is implemented by the queues of this package so that drains can be
// posted as internal items.
type target interface {
	Queue
	enqueue(ctx context.Context, it item)
}

func post(ctx context.Context, q Queue, it item) {
	if t, ok := q.(target); ok {
		t.enqueue(ctx, it)
		return
	}
	q.DispatchAsync(ctx, it.task)
}

func newLabel(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

var errNilTask = errors.New("nil task")

type barrier struct {
	remaining atomic.Int64
	done      chan struct{}

	once sync.Once
	err  error
}

func (b *barrier) fail(err error) {
	b.once.Do(func() { b.err = err })
}

func (b *barrier) arrive() {
	if b.remaining.Add(-1) == 0 {
		close(b.done)
	}
}

// dispatchApply enqueues n invocations of fn onto q and waits for all of them.
// When ctx ends first the invocations still run and ErrInterrupted is
// returned. A pool that cannot run them fails before anything is queued.
func dispatchApply(ctx context.Context, d *Dispatcher, q Queue, n int, fn func(ctx context.Context, i int)) error {
	if fn == nil {
		return errNilTask
	}
	if n <= 0 {
		return nil
	}
	if err := d.accepting(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b := &barrier{done: make(chan struct{})}
	b.remaining.Store(int64(n))
	for i := range n {
		q.DispatchAsync(ctx, func(tctx context.Context) {
			defer b.arrive()
			defer func() {
				if p := recover(); p != nil {
					b.fail(&PanicError{Value: p, Stack: debug.Stack()})
				}
			}()
			fn(tctx, i)
		})
	}

	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func dispatchSync(ctx context.Context, d *Dispatcher, q Queue, task Task) error {
	if task == nil {
		return errNilTask
	}
	return dispatchApply(ctx, d, q, 1, func(ctx context.Context, _ int) { task(ctx) })
}

func dispatchAfter(d *Dispatcher, q Queue, task Task, delay time.Duration) error {
	if task == nil {
		return errNilTask
	}
	if err := d.timer.AddRelative(task, q, delay); err != nil {
		return fmt.Errorf("failed to schedule on %s: %w", q.Label(), err)
	}
	return nil
}
