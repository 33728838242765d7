// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package balancer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs fn once after delay. It backs the periodic rebalance pass.
type Scheduler interface {
	Schedule(fn func(), delay time.Duration) error
}

// SimpleOption configures a Simple balancer.
type SimpleOption func(*Simple)

// WithRebalanceInterval arms a periodic rebalance pass on s.
// A zero interval (the default) leaves it disabled.
func WithRebalanceInterval(interval time.Duration, s Scheduler) SimpleOption {
	return func(b *Simple) {
		b.interval = interval
		b.scheduler = s
	}
}

// WithMigrationHook registers fn to run after every migration. It is called
// on the dispatcher that observed the request.
func WithMigrationHook(fn func(ctx Context, from, to Dispatcher)) SimpleOption {
	return func(b *Simple) { b.onMigrate = fn }
}

// Simple moves a context to its caller's dispatcher as long as one single
// caller has been observed. Once a second caller shows up it only counts
// requests per caller.
type Simple struct {
	logger    *slog.Logger
	interval  time.Duration
	scheduler Scheduler
	onMigrate func(ctx Context, from, to Dispatcher)

	running    atomic.Bool
	migrations atomic.Uint64
	passes     atomic.Uint64

	mu          sync.Mutex
	dispatchers []Dispatcher
	trackers    map[*tracker]struct{}
}

var _ Balancer = (*Simple)(nil)

// NewSimple creates a stopped balancer.
func NewSimple(logger *slog.Logger, opts ...SimpleOption) *Simple {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Simple{
		logger:   logger.With("component", "balancer"),
		trackers: make(map[*tracker]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start enables tracking and migration.
func (b *Simple) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	if b.interval > 0 && b.scheduler != nil {
		b.arm()
	}
}

// Stop disables tracking and migration for every context at once.
func (b *Simple) Stop() {
	b.running.Store(false)
}

// Running reports whether the balancer is started.
func (b *Simple) Running() bool {
	return b.running.Load()
}

// Migrations returns how many times a context was moved.
func (b *Simple) Migrations() uint64 {
	return b.migrations.Load()
}

// RebalancePasses returns how many periodic passes ran.
func (b *Simple) RebalancePasses() uint64 {
	return b.passes.Load()
}

// Dispatchers returns the dispatchers currently known to the balancer.
func (b *Simple) Dispatchers() []Dispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Dispatcher, len(b.dispatchers))
	copy(out, b.dispatchers)
	return out
}

func (b *Simple) OnDispatcherStarted(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

func (b *Simple) OnDispatcherStopped(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.dispatchers {
		if x == d {
			b.dispatchers = append(b.dispatchers[:i], b.dispatchers[i+1:]...)
			return
		}
	}
}

// CreateTracker returns a tracker for ctx.
func (b *Simple) CreateTracker(ctx Context) Tracker {
	t := &tracker{
		lb:           b,
		ctx:          ctx,
		singleSource: true,
	}
	b.mu.Lock()
	b.trackers[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *Simple) arm() {
	if err := b.scheduler.Schedule(b.rebalance, b.interval); err != nil {
		b.logger.Debug("rebalance pass not rescheduled", "error", err)
	}
}

// rebalance is the periodic pass. Tracker maps are single-writer and owned by
// the dispatchers draining their contexts, so the pass cannot read the counts
// from here; it only reports the population and re-arms. Count-based
// migration is not implemented.
func (b *Simple) rebalance() {
	if !b.running.Load() {
		return
	}
	b.passes.Add(1)
	b.mu.Lock()
	contexts, dispatchers := len(b.trackers), len(b.dispatchers)
	b.mu.Unlock()
	b.logger.Debug("rebalance pass", "contexts", contexts, "dispatchers", dispatchers)
	b.arm()
}

func (b *Simple) migrate(ctx Context, to Dispatcher) {
	from := ctx.Owner()
	ctx.AssignTo(to)
	b.migrations.Add(1)
	b.logger.Debug("context migrated",
		"context", ctx.Label(),
		"from", nameOf(from),
		"to", nameOf(to))
	if b.onMigrate != nil {
		b.onMigrate(ctx, from, to)
	}
}

func nameOf(d Dispatcher) string {
	if d == nil {
		return ""
	}
	return d.Name()
}

type tracker struct {
	lb  *Simple
	ctx Context

	singleSource bool
	source       Context
	sourceCalls  uint64
	calls        map[Context]uint64
	closed       bool
}

func (t *tracker) OnDispatchRequest(caller Dispatcher, callerCtx Context) {
	if t.closed || !t.lb.running.Load() {
		return
	}
	if callerCtx == nil || callerCtx == t.ctx {
		return
	}

	if t.singleSource {
		if t.source == nil {
			t.source = callerCtx
		}
		if t.source == callerCtx {
			t.sourceCalls++
			if caller != nil && caller != t.ctx.Owner() {
				t.lb.migrate(t.ctx, caller)
			}
			return
		}
		// Second distinct caller: stop following and start counting.
		t.singleSource = false
		t.calls = map[Context]uint64{t.source: t.sourceCalls}
		t.source = nil
	}
	t.calls[callerCtx]++
}

func (t *tracker) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.calls = nil
	t.source = nil
	t.lb.mu.Lock()
	delete(t.lb.trackers, t)
	t.lb.mu.Unlock()
}

// callers returns the per-caller counts. Like OnDispatchRequest it must only
// be called by the dispatcher draining the tracked context.
func (t *tracker) callers() map[Context]uint64 {
	out := make(map[Context]uint64)
	if t.singleSource {
		if t.source != nil {
			out[t.source] = t.sourceCalls
		}
		return out
	}
	for k, v := range t.calls {
		out[k] = v
	}
	return out
}
