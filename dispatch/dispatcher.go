// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is a cooperative task scheduler built from a fixed pool of
// workers, per-priority global queues, per-worker thread queues and serial
// queues layered on top of them.
//
// Serial queues keep their tasks ordered and never run two of them at once;
// pooled contexts are serial queues owned by a single worker that a load
// balancer may move to another worker while work is in flight.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/dispatch/balancer"
	"github.com/absmach/fluxdispatch/dispatch/timer"
)

// DefaultLabel names a dispatcher created without a label.
const DefaultLabel = "dispatcher"

// Config describes a worker pool.
type Config struct {
	Label string
	// Threads is the number of workers. Zero means runtime.NumCPU().
	Threads int
	// LockOSThread wires every worker goroutine to its own OS thread.
	LockOSThread bool
	// TimerSpinThreshold overrides timer.DefaultSpinThreshold when positive.
	TimerSpinThreshold time.Duration
	// RebalanceInterval arms the periodic rebalance pass of the default
	// balancer. Zero leaves it disabled.
	RebalanceInterval time.Duration
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must not be negative, got %d", ErrInvalidConfig, c.Threads)
	}
	if c.TimerSpinThreshold < 0 {
		return fmt.Errorf("%w: timer spin threshold must not be negative", ErrInvalidConfig)
	}
	if c.RebalanceInterval < 0 {
		return fmt.Errorf("%w: rebalance interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithBalancer replaces the default balancer. Use balancer.Noop{} to pin
// contexts to the worker they were registered on.
func WithBalancer(b balancer.Balancer) Option {
	return func(d *Dispatcher) { d.balancer = b }
}

// WithThreadInit runs fn on every worker goroutine before it takes work. An
// error aborts Start.
func WithThreadInit(fn func(w *Worker) error) Option {
	return func(d *Dispatcher) { d.threadInit = fn }
}

// Dispatcher owns the worker pool, the global queues and the timer.
type Dispatcher struct {
	cfg        Config
	label      string
	logger     *slog.Logger
	metrics    *Metrics
	stats      *Stats
	balancer   balancer.Balancer
	threadInit func(w *Worker) error
	timer      *timer.Timer

	global    [numPriorities]*GlobalQueue
	main      *Worker
	mainQueue *SerialQueue
	mainBusy  atomic.Bool

	// lifecycle serializes Start and Shutdown.
	lifecycle sync.Mutex
	started   atomic.Bool
	shutdown  atomic.Bool
	closed    chan struct{}

	mu       sync.Mutex
	workers  []*Worker
	live     []*Worker
	contexts map[*PooledContext]struct{}
	next     int

	idleMu sync.Mutex
	idle   []*Worker
}

// New creates a dispatcher. Call Start to launch its workers.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}

	d := &Dispatcher{
		cfg:      cfg,
		label:    cfg.Label,
		logger:   slog.Default(),
		stats:    NewStats(),
		closed:   make(chan struct{}),
		contexts: make(map[*PooledContext]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("dispatcher", d.label)

	timerOpts := []timer.Option{timer.WithFiredHook(func() {
		d.stats.timerFired.Add(1)
		d.metrics.RecordTimerFired()
	})}
	if cfg.TimerSpinThreshold > 0 {
		timerOpts = append(timerOpts, timer.WithSpinThreshold(cfg.TimerSpinThreshold))
	}
	d.timer = timer.New(d.logger, timerOpts...)

	for _, p := range Priorities {
		d.global[p] = newGlobalQueue(d, p)
	}

	d.main = newWorker(d, -1, d.label+"-main")
	d.main.main = true
	d.main.state.Store(int32(Running))
	d.mainQueue = newSerialQueue(d, d.label+"-main", Default, d.main.queues[Default], 0)

	if d.balancer == nil {
		var bopts []balancer.SimpleOption
		if cfg.RebalanceInterval > 0 {
			bopts = append(bopts, balancer.WithRebalanceInterval(cfg.RebalanceInterval, timerScheduler{d: d}))
		}
		d.balancer = balancer.NewSimple(d.logger, bopts...)
	}

	return d, nil
}

// Start launches the workers. Only the first call does anything; later calls
// return ErrAlreadyStarted. If a worker fails to initialize, the workers
// already running are shut down and the error is returned.
func (d *Dispatcher) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.shutdown.Load() {
		return ErrShutdown
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	d.timer.Start()
	d.balancer.Start()

	for i := range d.cfg.Threads {
		w := newWorker(d, i, workerName(d.label, i))
		d.mu.Lock()
		d.workers = append(d.workers, w)
		d.mu.Unlock()

		ready := make(chan error, 1)
		w.start(ready)
		if err := <-ready; err != nil {
			d.logger.Error("dispatcher start failed, rolling back", "worker", w.name, "error", err)
			if serr := d.shutdownLocked(context.Background()); serr != nil {
				d.logger.Error("rollback shutdown failed", "error", serr)
			}
			return err
		}
	}

	d.logger.Info("dispatcher started", "threads", d.cfg.Threads, "lock_os_thread", d.cfg.LockOSThread)
	return nil
}

// Shutdown stops every worker and waits for each to exit in turn, then stops
// the balancer and the timer. Tasks still on the global queues once the last
// worker is gone never run.
//
// If ctx ends while waiting, Shutdown still waits for completion and then
// returns ErrInterrupted wrapping the context error. A Start in progress is
// allowed to finish first, so every worker it launched is stopped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.shutdownLocked(ctx)
}

func (d *Dispatcher) shutdownLocked(ctx context.Context) error {
	if !d.shutdown.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.logger.Info("dispatcher shutting down")

	d.mu.Lock()
	workers := slices.Clone(d.workers)
	d.mu.Unlock()

	for _, w := range workers {
		w.poison()
	}

	var interrupted error
	for _, w := range workers {
		if interrupted == nil {
			select {
			case <-w.done:
				continue
			case <-ctx.Done():
				interrupted = ctx.Err()
				d.logger.Warn("shutdown wait interrupted, finishing anyway", "error", interrupted)
			}
		}
		<-w.done
	}

	d.balancer.Stop()
	if err := d.timer.Shutdown(nil); err != nil {
		d.logger.Debug("timer already stopped", "error", err)
	}
	<-d.timer.Done()

	abandoned := 0
	for _, p := range Priorities {
		abandoned += d.global[p].Len()
	}
	if abandoned > 0 {
		d.logger.Warn("tasks abandoned at shutdown", "count", abandoned)
	}
	close(d.closed)
	d.logger.Info("dispatcher stopped")

	if interrupted != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, interrupted)
	}
	return nil
}

// Done is closed once Shutdown has completed.
func (d *Dispatcher) Done() <-chan struct{} { return d.closed }

func (d *Dispatcher) Label() string { return d.label }

// Size returns the number of live workers.
func (d *Dispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Workers returns the live workers.
func (d *Dispatcher) Workers() []*Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.live)
}

func (d *Dispatcher) Stats() *Stats { return d.stats }

func (d *Dispatcher) Timer() *timer.Timer { return d.timer }

func (d *Dispatcher) Balancer() balancer.Balancer { return d.balancer }

// GlobalQueue returns the global queue of tier p.
func (d *Dispatcher) GlobalQueue(p Priority) *GlobalQueue {
	if !p.valid() {
		p = Default
	}
	return d.global[p]
}

// CreateSerialQueue returns a serial queue targeting the default global
// queue. An empty label gets a generated one.
func (d *Dispatcher) CreateSerialQueue(label string, opts ...QueueOption) *SerialQueue {
	return newSerialQueue(d, label, Default, d.global[Default], mergeOptions(opts))
}

// CreateSerialQueueWithPriority is CreateSerialQueue for another tier.
func (d *Dispatcher) CreateSerialQueueWithPriority(label string, p Priority, opts ...QueueOption) *SerialQueue {
	if !p.valid() {
		p = Default
	}
	return newSerialQueue(d, label, p, d.global[p], mergeOptions(opts))
}

// CurrentQueue returns the queue running the task that owns ctx.
func (d *Dispatcher) CurrentQueue(ctx context.Context) Queue {
	return QueueFrom(ctx)
}

// MainQueue returns the serial queue drained by DispatchMain.
func (d *Dispatcher) MainQueue() *SerialQueue { return d.mainQueue }

// DispatchMain runs main queue tasks on the calling goroutine until ctx ends
// or the dispatcher shuts down. Only one caller may drain at a time.
func (d *Dispatcher) DispatchMain(ctx context.Context) error {
	if d.shutdown.Load() {
		return ErrShutdown
	}
	if !d.mainBusy.CompareAndSwap(false, true) {
		return ErrMainBusy
	}
	defer d.mainBusy.Store(false)

	m := d.main
	for {
		if tctx, q, it, ok := m.next(); ok {
			m.dispatch(tctx, q, it)
			continue
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return nil
		}
	}
}

// Schedule runs task on a worker's default thread queue after delay. Called
// from a task of this dispatcher, the task stays on the calling worker.
func (d *Dispatcher) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	if task == nil {
		return errNilTask
	}
	d.mu.Lock()
	w, err := d.chooseWorker(ctx)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	q := w.queues[Default]
	if delay <= 0 {
		q.DispatchAsync(ctx, task)
		return nil
	}
	if err := d.timer.AddRelative(task, q, delay); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// Register creates a pooled context running fn whenever RequestDispatch is
// called. The context starts on the calling worker, or on the next worker in
// round robin order.
func (d *Dispatcher) Register(ctx context.Context, label string, fn Dispatchable, opts ...QueueOption) (*PooledContext, error) {
	if label == "" {
		label = newLabel("context")
	}

	d.mu.Lock()
	w, err := d.chooseWorker(ctx)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	c := newPooledContext(d, label, fn, w, mergeOptions(opts))
	d.contexts[c] = struct{}{}
	d.mu.Unlock()

	c.tracker = d.balancer.CreateTracker(tracked{c: c})
	return c, nil
}

// accepting reports why the pool cannot run work a caller will wait for.
func (d *Dispatcher) accepting() error {
	switch {
	case d.shutdown.Load():
		return ErrRejected
	case !d.started.Load():
		return ErrNotStarted
	case d.Size() == 0:
		return ErrRejected
	}
	return nil
}

// chooseWorker must be called with d.mu held.
func (d *Dispatcher) chooseWorker(ctx context.Context) (*Worker, error) {
	if d.shutdown.Load() || len(d.live) == 0 {
		return nil, ErrRejected
	}
	if w := WorkerFrom(ctx); w != nil && w.d == d && !w.main && w.State() != Terminated {
		return w, nil
	}
	w := d.live[d.next%len(d.live)]
	d.next++
	return w, nil
}

func (d *Dispatcher) unregister(c *PooledContext) {
	d.mu.Lock()
	delete(d.contexts, c)
	d.mu.Unlock()
}

func (d *Dispatcher) onWorkerStarted(w *Worker) {
	d.mu.Lock()
	d.live = append(d.live, w)
	d.mu.Unlock()

	d.stats.liveWorkers.Add(1)
	d.metrics.RecordWorkerStarted()
	d.balancer.OnDispatcherStarted(w)
	w.logger.Info("worker started")
}

func (d *Dispatcher) onWorkerStopped(w *Worker) {
	var orphans []*PooledContext
	var heir *Worker

	d.mu.Lock()
	if i := slices.Index(d.live, w); i >= 0 {
		d.live = slices.Delete(d.live, i, i+1)
	}
	if !d.shutdown.Load() {
		for c := range d.contexts {
			if c.Owner() == w {
				orphans = append(orphans, c)
			}
		}
		if len(orphans) > 0 && len(d.live) > 0 {
			heir = d.live[d.next%len(d.live)]
			d.next++
		}
	}
	d.mu.Unlock()

	d.stats.liveWorkers.Add(-1)
	d.metrics.RecordWorkerStopped()
	d.balancer.OnDispatcherStopped(w)

	if len(orphans) == 0 {
		return
	}
	if heir == nil {
		d.logger.Error("no live worker left to adopt contexts", "worker", w.name, "contexts", len(orphans))
		return
	}
	for _, c := range orphans {
		c.AssignTo(heir)
	}
	d.logger.Info("contexts reassigned", "from", w.name, "to", heir.name, "contexts", len(orphans))
}

func (d *Dispatcher) addIdle(w *Worker) {
	d.idleMu.Lock()
	if !w.idle {
		w.idle = true
		d.idle = append(d.idle, w)
	}
	d.idleMu.Unlock()
}

func (d *Dispatcher) removeIdle(w *Worker) {
	d.idleMu.Lock()
	if w.idle {
		w.idle = false
		if i := slices.Index(d.idle, w); i >= 0 {
			d.idle = slices.Delete(d.idle, i, i+1)
		}
	}
	d.idleMu.Unlock()
}

// wakeupOne signals the most recently parked worker, if any.
func (d *Dispatcher) wakeupOne() {
	d.idleMu.Lock()
	n := len(d.idle)
	if n == 0 {
		d.idleMu.Unlock()
		return
	}
	w := d.idle[n-1]
	d.idle = d.idle[:n-1]
	w.idle = false
	d.idleMu.Unlock()

	d.stats.wakeups.Add(1)
	d.metrics.RecordWakeup()
	w.signal()
}

// execute runs one task with panic isolation.
func (d *Dispatcher) execute(ctx context.Context, q Queue, task Task) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			d.stats.taskPanics.Add(1)
			d.metrics.RecordPanic(q.Kind())
			d.logger.Warn("task panicked",
				"queue", q.Label(),
				"panic", p,
				"stack", string(debug.Stack()))
		}
		d.stats.tasksExecuted.Add(1)
		d.metrics.RecordTask(q.Kind(), time.Since(start))
	}()
	task(ctx)
}

// timerScheduler runs balancer passes on the low priority global queue.
type timerScheduler struct {
	d *Dispatcher
}

func (s timerScheduler) Schedule(fn func(), delay time.Duration) error {
	return s.d.timer.AddRelative(func(context.Context) { fn() }, s.d.global[Low], delay)
}
