// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "context"

// Task is a unit of work. The context it receives is its execution context:
// it tells the task which worker, queue and pooled context run it. The
// execution context is only meaningful while the task runs. Goroutines the
// task starts may dispatch with it; their posts are treated as coming from the
// task's worker.
type Task = func(ctx context.Context)

type (
	workerKey struct{}
	queueKey  struct{}
	pooledKey struct{}
)

// WorkerFrom returns the worker executing the task that owns ctx, or nil when
// ctx was not handed out by a worker.
func WorkerFrom(ctx context.Context) *Worker {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(workerKey{}).(*Worker)
	return w
}

// QueueFrom returns the queue whose task is running with ctx.
func QueueFrom(ctx context.Context) Queue {
	if ctx == nil {
		return nil
	}
	q, _ := ctx.Value(queueKey{}).(Queue)
	return q
}

// ContextFrom returns the pooled context whose queue is running a task with
// ctx, or nil.
func ContextFrom(ctx context.Context) *PooledContext {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(pooledKey{}).(*PooledContext)
	return c
}

func withQueue(ctx context.Context, q Queue) context.Context {
	return context.WithValue(ctx, queueKey{}, q)
}

func withPooled(ctx context.Context, c *PooledContext) context.Context {
	return context.WithValue(ctx, pooledKey{}, c)
}
