// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timer runs delayed tasks. A single goroutine keeps a min-heap of
// pending requests and, when a request is due, hands its task to the target
// queue instead of running it itself.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSpinThreshold is the remaining delay under which the loop yields in
// a busy loop instead of arming a timer.
const DefaultSpinThreshold = 500 * time.Microsecond

// ErrStopped is returned when a request is added after Shutdown.
var ErrStopped = errors.New("timer stopped")

// Target receives tasks once they are due.
type Target interface {
	DispatchAsync(ctx context.Context, task func(ctx context.Context))
}

// Kind identifies a request type.
type Kind uint8

const (
	Relative Kind = iota
	Absolute
	shutdown
)

func (k Kind) String() string {
	switch k {
	case Relative:
		return "relative"
	case Absolute:
		return "absolute"
	default:
		return "shutdown"
	}
}

type request struct {
	kind   Kind
	at     time.Time
	seq    uint64
	target Target
	task   func(ctx context.Context)
	// onShutdown is only set on shutdown requests.
	onShutdown func()
}

// Option configures a Timer.
type Option func(*Timer)

// WithSpinThreshold overrides DefaultSpinThreshold. Zero disables spinning.
func WithSpinThreshold(d time.Duration) Option {
	return func(t *Timer) {
		if d >= 0 {
			t.spinThreshold = d
		}
	}
}

// WithFiredHook registers fn to be called from the timer goroutine every time
// a request is handed to its target.
func WithFiredHook(fn func()) Option {
	return func(t *Timer) { t.onFired = fn }
}

// Timer dispatches tasks to target queues after a delay.
type Timer struct {
	logger        *slog.Logger
	spinThreshold time.Duration
	onFired       func()

	mu      sync.Mutex
	pending []*request
	seq     uint64
	stopped bool
	started bool

	wake chan struct{}
	done chan struct{}

	// heap is only touched by the loop goroutine; heapSize mirrors its length.
	heap     requestHeap
	heapSize atomic.Int64
}

// New creates a timer. Call Start to run its loop.
func New(logger *slog.Logger, opts ...Option) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{
		logger:        logger.With("component", "timer"),
		spinThreshold: DefaultSpinThreshold,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the timer goroutine. Subsequent calls are no-ops.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.loop()
}

// AddRelative schedules task to be dispatched onto target after delay.
// Negative delays are treated as zero.
func (t *Timer) AddRelative(task func(ctx context.Context), target Target, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return t.add(&request{
		kind:   Relative,
		at:     time.Now().Add(delay),
		target: target,
		task:   task,
	})
}

// AddAbsolute schedules task to be dispatched onto target at the given time.
func (t *Timer) AddAbsolute(task func(ctx context.Context), target Target, at time.Time) error {
	return t.add(&request{
		kind:   Absolute,
		at:     at,
		target: target,
		task:   task,
	})
}

// Shutdown stops the loop. onShutdown, if not nil, runs on the timer
// goroutine right before it exits. Requests that are not yet due are
// dropped. Shutdown does not wait; use Done for that.
func (t *Timer) Shutdown(onShutdown func()) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.stopped = true
	started := t.started
	t.pending = append(t.pending, &request{kind: shutdown, onShutdown: onShutdown})
	t.mu.Unlock()

	if !started {
		// Nothing will ever drain the request; finish inline.
		if onShutdown != nil {
			onShutdown()
		}
		close(t.done)
		return nil
	}
	t.poke()
	return nil
}

// Done is closed once the timer goroutine has exited.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

// Len returns the number of requests not yet handed to their target.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + int(t.heapSize.Load())
}

func (t *Timer) add(r *request) error {
	if r.task == nil || r.target == nil {
		return errors.New("timer: nil task or target")
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.seq++
	r.seq = t.seq
	t.pending = append(t.pending, r)
	t.mu.Unlock()

	t.poke()
	return nil
}

func (t *Timer) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) fire(r *request) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("timer target rejected task", "kind", r.kind.String(), "panic", p)
		}
	}()
	r.target.DispatchAsync(context.Background(), r.task)
	if t.onFired != nil {
		t.onFired()
	}
}

func (t *Timer) loop() {
	defer close(t.done)

	var (
		swap  []*request
		clock *time.Timer
	)
	defer func() {
		if clock != nil {
			clock.Stop()
		}
	}()

loop:
	for {
		t.mu.Lock()
		swap, t.pending = t.pending, swap[:0]
		t.mu.Unlock()

		for i, r := range swap {
			swap[i] = nil
			if r.kind == shutdown {
				if n := len(t.heap) + len(swap) - i - 1; n > 0 {
					t.logger.Debug("dropping unfired timers", "count", n)
				}
				t.heapSize.Store(0)
				if r.onShutdown != nil {
					r.onShutdown()
				}
				return
			}
			heap.Push(&t.heap, r)
		}

		now := time.Now()
		for {
			at, ok := t.heap.peek()
			if !ok || at.After(now) {
				break
			}
			t.fire(heap.Pop(&t.heap).(*request))
		}
		t.heapSize.Store(int64(len(t.heap)))

		next, ok := t.heap.peek()
		if !ok {
			<-t.wake
			continue
		}

		wait := time.Until(next)
		if wait <= t.spinThreshold {
			// Too close to arm a timer accurately; yield until due or poked.
			for time.Now().Before(next) {
				select {
				case <-t.wake:
					continue loop
				default:
				}
				runtime.Gosched()
			}
			continue
		}

		if clock == nil {
			clock = time.NewTimer(wait)
		} else {
			clock.Reset(wait)
		}
		select {
		case <-t.wake:
			clock.Stop()
		case <-clock.C:
		}
	}
}
