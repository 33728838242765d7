// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/dispatch/balancer"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	Starting WorkerState = iota
	Running
	Idle
	ShuttingDown
	Terminated
)

func (s WorkerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Idle:
		return "idle"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Worker is one goroutine of the pool. It owns a thread queue per priority
// tier and runs tasks from those and from the global queues.
type Worker struct {
	d      *Dispatcher
	name   string
	index  int
	main   bool
	logger *slog.Logger

	queues [numPriorities]*ThreadQueue

	// Execution contexts handed to tasks, one per queue the worker polls.
	threadCtx [numPriorities]context.Context
	globalCtx [numPriorities]context.Context

	state atomic.Int32
	wake  chan struct{}
	done  chan struct{}

	// Guarded by Dispatcher.idleMu.
	idle bool

	// Only touched by the worker goroutine.
	stop bool
}

var _ balancer.Dispatcher = (*Worker)(nil)

func newWorker(d *Dispatcher, index int, name string) *Worker {
	w := &Worker{
		d:      d,
		name:   name,
		index:  index,
		logger: d.logger.With("worker", name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	base := context.WithValue(context.Background(), workerKey{}, w)
	for _, p := range Priorities {
		w.queues[p] = newThreadQueue(w, p)
		w.threadCtx[p] = withQueue(base, w.queues[p])
		w.globalCtx[p] = withQueue(base, d.global[p])
	}
	return w
}

func (w *Worker) Name() string { return w.name }

// Index is the worker's slot in the pool.
func (w *Worker) Index() int { return w.index }

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// ThreadQueue returns the worker's queue for tier p.
func (w *Worker) ThreadQueue(p Priority) *ThreadQueue {
	if !p.valid() {
		p = Default
	}
	return w.queues[p]
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) String() string { return w.name }

func (w *Worker) wakeup() {
	w.d.removeIdle(w)
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// poison queues the shutdown pill behind everything already on the worker's
// low tier.
func (w *Worker) poison() {
	pill := func(ctx context.Context) {
		if WorkerFrom(ctx) != w {
			return
		}
		w.stop = true
		w.state.Store(int32(ShuttingDown))
	}
	w.queues[Low].enqueue(context.Background(), item{task: pill, internal: true})
}

func (w *Worker) start(ready chan<- error) {
	go w.loop(ready)
}

func (w *Worker) loop(ready chan<- error) {
	defer close(w.done)

	if w.d.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if w.d.threadInit != nil {
		if err := w.d.threadInit(w); err != nil {
			w.state.Store(int32(Terminated))
			ready <- fmt.Errorf("failed to init worker %s: %w", w.name, err)
			return
		}
	}

	w.state.Store(int32(Running))
	w.d.onWorkerStarted(w)
	ready <- nil

	err := w.run()
	w.exit(err)
}

// run is the scheduling loop. Task panics are recovered per task in
// Dispatcher.execute; anything reaching this recover is fatal for the worker.
func (w *Worker) run() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker %s: %v\n%s", w.name, p, debug.Stack())
		}
	}()

	for !w.stop {
		if ctx, q, it, ok := w.next(); ok {
			w.dispatch(ctx, q, it)
			continue
		}
		w.park()
	}
	return nil
}

func (w *Worker) next() (context.Context, Queue, item, bool) {
	for _, p := range Priorities {
		if it, ok := w.queues[p].pop(); ok {
			return w.threadCtx[p], w.queues[p], it, true
		}
		if w.main {
			continue
		}
		if it, ok := w.d.global[p].poll(); ok {
			return w.globalCtx[p], w.d.global[p], it, true
		}
	}
	return nil, nil, item{}, false
}

func (w *Worker) dispatch(ctx context.Context, q Queue, it item) {
	if it.internal {
		it.task(ctx)
		return
	}
	w.d.execute(ctx, q, it.task)
}

func (w *Worker) hasWork() bool {
	for _, p := range Priorities {
		if w.queues[p].hasWork() {
			return true
		}
		if !w.main && !w.d.global[p].items.IsEmpty() {
			return true
		}
	}
	return false
}

// park blocks until the worker is signalled. The worker is on the idle list
// and marked Idle before it checks the queues one last time, so a producer
// that enqueues after that check always finds it there.
func (w *Worker) park() {
	d := w.d
	d.addIdle(w)
	w.state.Store(int32(Idle))
	if w.hasWork() {
		d.removeIdle(w)
		w.state.Store(int32(Running))
		return
	}

	d.stats.parks.Add(1)
	d.stats.idleWorkers.Add(1)
	d.metrics.RecordPark()
	w.logger.Debug("worker parked")

	<-w.wake

	d.removeIdle(w)
	w.state.Store(int32(Running))
	d.stats.idleWorkers.Add(-1)
	d.metrics.RecordUnpark()
	w.logger.Debug("worker unparked")
}

func (w *Worker) exit(fatal error) {
	w.state.Store(int32(Terminated))
	w.d.removeIdle(w)

	moved := 0
	for _, p := range Priorities {
		moved += w.queues[p].handOver()
	}

	switch {
	case fatal != nil:
		w.d.stats.fatalExits.Add(1)
		w.logger.Error("worker terminated", "error", fatal, "moved", moved)
	case moved > 0 && w.d.shutdown.Load():
		w.logger.Warn("worker left tasks behind at shutdown", "count", moved)
	default:
		w.logger.Info("worker stopped")
	}
	w.d.onWorkerStopped(w)
}

func workerName(label string, i int) string {
	return label + "-" + strconv.Itoa(i)
}
