// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/dispatch/balancer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestDispatcher(t *testing.T, threads int, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	d, err := New(Config{Label: "test", Threads: threads}, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
	})
	return d
}

// spyBalancer counts population callbacks per worker.
type spyBalancer struct {
	balancer.Noop

	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
	halted  atomic.Bool
}

func newSpyBalancer() *spyBalancer {
	return &spyBalancer{started: map[string]int{}, stopped: map[string]int{}}
}

func (s *spyBalancer) Stop() { s.halted.Store(true) }

func (s *spyBalancer) OnDispatcherStarted(d balancer.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[d.Name()]++
}

func (s *spyBalancer) OnDispatcherStopped(d balancer.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[d.Name()]++
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		err  bool
	}{
		{desc: "zero value", cfg: Config{}},
		{desc: "explicit threads", cfg: Config{Label: "x", Threads: 4}},
		{desc: "negative threads", cfg: Config{Threads: -1}, err: true},
		{desc: "negative spin threshold", cfg: Config{TimerSpinThreshold: -time.Millisecond}, err: true},
		{desc: "negative rebalance interval", cfg: Config{RebalanceInterval: -time.Second}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	d, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLabel, d.Label())
	assert.Positive(t, d.cfg.Threads)
	assert.IsType(t, &balancer.Simple{}, d.Balancer())
	assert.Equal(t, 0, d.Size())
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestStartTwice(t *testing.T) {
	d := newTestDispatcher(t, 2)
	assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)
	assert.Equal(t, 2, d.Size())
	assert.Len(t, d.Workers(), 2)
}

func TestStartRollsBackOnThreadInitFailure(t *testing.T) {
	spy := newSpyBalancer()
	initErr := errors.New("no affinity")
	d, err := New(Config{Label: "rb", Threads: 4},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithBalancer(spy),
		WithThreadInit(func(w *Worker) error {
			if w.Index() == 2 {
				return initErr
			}
			return nil
		}))
	require.NoError(t, err)

	err = d.Start()
	require.ErrorIs(t, err, initErr)

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher not terminated after rollback")
	}
	assert.Equal(t, 0, d.Size())
	assert.True(t, spy.halted.Load())

	spy.mu.Lock()
	assert.Equal(t, map[string]int{"rb-0": 1, "rb-1": 1}, spy.started)
	assert.Equal(t, map[string]int{"rb-0": 1, "rb-1": 1}, spy.stopped)
	spy.mu.Unlock()

	assert.ErrorIs(t, d.Start(), ErrShutdown)
	_, err = d.Register(context.Background(), "late", nil)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestShutdownCompleteness(t *testing.T) {
	spy := newSpyBalancer()
	d, err := New(Config{Label: "sd", Threads: 4},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithBalancer(spy))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	var ran atomic.Int32
	for range 100 {
		d.GlobalQueue(Default).DispatchAsync(context.Background(), func(context.Context) { ran.Add(1) })
	}
	workers := d.Workers()
	require.Len(t, workers, 4)

	require.NoError(t, d.Shutdown(context.Background()))

	for _, w := range workers {
		select {
		case <-w.Done():
		default:
			t.Fatalf("worker %s still running", w.Name())
		}
		assert.Equal(t, Terminated, w.State())
	}
	assert.Equal(t, 0, d.Size())
	assert.Equal(t, int64(0), d.Stats().GetLiveWorkers())

	spy.mu.Lock()
	for _, w := range workers {
		assert.Equal(t, 1, spy.stopped[w.Name()], "worker %s", w.Name())
	}
	spy.mu.Unlock()
	assert.True(t, spy.halted.Load())

	// Higher priority backlog is allowed to finish before the pills.
	assert.Equal(t, int32(100), ran.Load())

	assert.ErrorIs(t, d.Shutdown(context.Background()), ErrShutdown)
	assert.ErrorIs(t, d.Schedule(context.Background(), func(context.Context) {}, 0), ErrRejected)
	_, err = d.Register(context.Background(), "late", nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, d.GlobalQueue(High).DispatchSync(context.Background(), func(context.Context) {}), ErrRejected)
}

func TestShutdownInterrupted(t *testing.T) {
	d, err := New(Config{Label: "int", Threads: 1}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	release := make(chan struct{})
	started := make(chan struct{})
	d.GlobalQueue(High).DispatchAsync(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	err = d.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	// The wait still completed.
	assert.Equal(t, 0, d.Size())
	select {
	case <-d.Done():
	default:
		t.Fatal("shutdown returned before completion")
	}
}

func TestScheduleFromOutsideRoundRobins(t *testing.T) {
	d := newTestDispatcher(t, 3)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		require.NoError(t, d.Schedule(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			seen[WorkerFrom(ctx).Name()]++
			mu.Unlock()
		}, 0))
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"test-0": 2, "test-1": 2, "test-2": 2}, seen)
}

func TestScheduleKeepsCallerWorker(t *testing.T) {
	d := newTestDispatcher(t, 4)

	type pair struct{ outer, inner *Worker }
	res := make(chan pair, 1)
	require.NoError(t, d.Schedule(context.Background(), func(ctx context.Context) {
		outer := WorkerFrom(ctx)
		err := d.Schedule(ctx, func(ctx context.Context) {
			res <- pair{outer: outer, inner: WorkerFrom(ctx)}
		}, 5*time.Millisecond)
		assert.NoError(t, err)
	}, 0))

	select {
	case p := <-res:
		require.NotNil(t, p.outer)
		assert.Same(t, p.outer, p.inner)
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
	assert.Eventually(t, func() bool { return d.Stats().GetTimerFired() >= 1 }, time.Second, time.Millisecond)
}

func TestScheduleRejectsNilTask(t *testing.T) {
	d := newTestDispatcher(t, 1)
	assert.Error(t, d.Schedule(context.Background(), nil, 0))
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	d := newTestDispatcher(t, 1)

	d.GlobalQueue(Default).DispatchAsync(context.Background(), func(context.Context) {
		panic("boom")
	})

	var ran atomic.Bool
	require.NoError(t, d.GlobalQueue(Default).DispatchSync(context.Background(), func(context.Context) {
		ran.Store(true)
	}))
	assert.True(t, ran.Load())
	assert.Equal(t, uint64(1), d.Stats().GetTaskPanics())
	assert.Equal(t, 1, d.Size())
}

func TestFatalWorkerExitReassignsContexts(t *testing.T) {
	spy := newSpyBalancer()
	d := newTestDispatcher(t, 2, WithBalancer(spy))
	workers := d.Workers()
	require.Len(t, workers, 2)

	c, err := d.Register(context.Background(), "conn", nil)
	require.NoError(t, err)
	require.Same(t, workers[0], c.Owner())

	// A panic outside task execution is fatal for the worker.
	workers[0].queues[Default].enqueue(context.Background(), item{
		task:     func(context.Context) { panic("scheduler bug") },
		internal: true,
	})

	select {
	case <-workers[0].Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	require.Eventually(t, func() bool {
		return d.Size() == 1 && c.Owner() == workers[1]
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().GetFatalExits())

	spy.mu.Lock()
	assert.Equal(t, 1, spy.stopped[workers[0].Name()])
	spy.mu.Unlock()

	var on *Worker
	require.NoError(t, c.Queue().DispatchSync(context.Background(), func(ctx context.Context) {
		on = WorkerFrom(ctx)
	}))
	assert.Same(t, workers[1], on)

	// Work sent to the dead worker's queue is forwarded.
	require.NoError(t, workers[0].ThreadQueue(Default).DispatchSync(context.Background(), func(ctx context.Context) {
		on = WorkerFrom(ctx)
	}))
	assert.Same(t, workers[1], on)
}

func TestThreadQueueRunsOnOwner(t *testing.T) {
	d := newTestDispatcher(t, 3)
	w := d.Workers()[1]

	var outer, inner *Worker
	done := make(chan struct{})
	require.NoError(t, w.ThreadQueue(Low).DispatchSync(context.Background(), func(ctx context.Context) {
		outer = WorkerFrom(ctx)
		assert.Same(t, w.ThreadQueue(Low), d.CurrentQueue(ctx))

		// Pushed from the owner: goes to the private list.
		w.ThreadQueue(High).DispatchAsync(ctx, func(ctx context.Context) {
			inner = WorkerFrom(ctx)
			close(done)
		})
		assert.Equal(t, 1, w.ThreadQueue(High).local.Len())
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task pushed by the owner did not run")
	}
	assert.Same(t, w, outer)
	assert.Same(t, w, inner)
}

func TestDispatchApplyOnGlobalQueue(t *testing.T) {
	d := newTestDispatcher(t, 4)

	const n = 500
	var hits [n]atomic.Int32
	require.NoError(t, d.GlobalQueue(Default).DispatchApply(context.Background(), n, func(_ context.Context, i int) {
		hits[i].Add(1)
	}))
	for i := range n {
		assert.Equal(t, int32(1), hits[i].Load(), "iteration %d", i)
	}

	assert.NoError(t, d.GlobalQueue(Default).DispatchApply(context.Background(), 0, func(context.Context, int) {}))
	assert.Error(t, d.GlobalQueue(Default).DispatchApply(context.Background(), 1, nil))
}

func TestDispatchSyncReturnsPanic(t *testing.T) {
	d := newTestDispatcher(t, 2)

	err := d.GlobalQueue(Default).DispatchSync(context.Background(), func(context.Context) {
		panic(errors.New("bad state"))
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.EqualError(t, pe.Unwrap(), "bad state")
	assert.NotEmpty(t, pe.Stack)

	err = d.GlobalQueue(Default).DispatchSync(context.Background(), func(context.Context) { panic("plain") })
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "plain", pe.Value)
	assert.NoError(t, pe.Unwrap())

	// The worker survived.
	assert.NoError(t, d.GlobalQueue(Default).DispatchSync(context.Background(), func(context.Context) {}))
}

func TestMainQueue(t *testing.T) {
	d := newTestDispatcher(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- d.DispatchMain(ctx) }()

	var on *Worker
	var queue Queue
	require.NoError(t, d.MainQueue().DispatchSync(context.Background(), func(ctx context.Context) {
		on = WorkerFrom(ctx)
		queue = QueueFrom(ctx)
	}))
	require.NotNil(t, on)
	assert.Equal(t, "test-main", on.Name())
	assert.Same(t, d.MainQueue(), queue)

	assert.ErrorIs(t, d.DispatchMain(context.Background()), ErrMainBusy)

	// The main worker is not a pool member.
	assert.NotContains(t, d.Workers(), on)

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("DispatchMain did not return")
	}
}

func TestDispatchMainReturnsOnShutdown(t *testing.T) {
	d, err := New(Config{Label: "m", Threads: 1}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	result := make(chan error, 1)
	go func() { result <- d.DispatchMain(context.Background()) }()
	require.NoError(t, d.MainQueue().DispatchSync(context.Background(), func(context.Context) {}))

	require.NoError(t, d.Shutdown(context.Background()))
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("DispatchMain did not return")
	}
	assert.ErrorIs(t, d.DispatchMain(context.Background()), ErrShutdown)
}

func TestRebalancePassRuns(t *testing.T) {
	d, err := New(Config{Label: "rb", Threads: 2, RebalanceInterval: 5 * time.Millisecond},
		WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	lb, ok := d.Balancer().(*balancer.Simple)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return lb.RebalancePasses() >= 2 }, 2*time.Second, time.Millisecond)
}

func TestPriorityAndKindStrings(t *testing.T) {
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "default", Default.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "unknown", Priority(7).String())

	assert.Equal(t, "global", KindGlobal.String())
	assert.Equal(t, "serial", KindSerial.String())
	assert.Equal(t, "thread", KindThread.String())

	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "idle", Idle.String())
}

func TestExecutionContextOutsideWorker(t *testing.T) {
	assert.Nil(t, WorkerFrom(context.Background()))
	assert.Nil(t, QueueFrom(context.Background()))
	assert.Nil(t, ContextFrom(context.Background()))
}

func TestStartRacingShutdownLeavesNoWorkers(t *testing.T) {
	for range 50 {
		d, err := New(Config{Label: "race", Threads: 8},
			WithLogger(slog.New(slog.DiscardHandler)),
			WithThreadInit(func(*Worker) error {
				time.Sleep(50 * time.Microsecond)
				return nil
			}))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := d.Start(); err != nil {
				assert.ErrorIs(t, err, ErrShutdown)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Shutdown(context.Background()))
		}()
		wg.Wait()

		d.mu.Lock()
		workers := append([]*Worker(nil), d.workers...)
		d.mu.Unlock()
		for _, w := range workers {
			select {
			case <-w.Done():
			default:
				t.Fatalf("worker %s alive after Shutdown returned", w.Name())
			}
		}
		assert.Equal(t, 0, d.Size())
	}
}

func TestDispatchSyncBeforeStart(t *testing.T) {
	d, err := New(Config{Label: "idle", Threads: 2}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err = d.GlobalQueue(Default).DispatchSync(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, ErrNotStarted)
	err = d.CreateSerialQueue("q").DispatchApply(ctx, 3, func(context.Context, int) {})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatchSyncWithoutLiveWorkers(t *testing.T) {
	d := newTestDispatcher(t, 1)
	w := d.Workers()[0]

	w.queues[Default].enqueue(context.Background(), item{
		task:     func(context.Context) { panic("scheduler bug") },
		internal: true,
	})
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	require.Eventually(t, func() bool { return d.Size() == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err := d.GlobalQueue(High).DispatchSync(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Less(t, time.Since(start), time.Second)
}

func TestThreadQueueAcceptsPostsFromTaskGoroutines(t *testing.T) {
	d := newTestDispatcher(t, 1)
	w := d.Workers()[0]
	tq := w.ThreadQueue(Default)

	const (
		producers   = 4
		perProducer = 1000
	)
	type entry struct{ producer, seq int }

	var (
		mu  sync.Mutex
		got []entry
		off atomic.Int32
	)
	record := func(p, s int) Task {
		return func(ctx context.Context) {
			if WorkerFrom(ctx) != w {
				off.Add(1)
			}
			mu.Lock()
			got = append(got, entry{producer: p, seq: s})
			mu.Unlock()
		}
	}

	var g errgroup.Group
	require.NoError(t, tq.DispatchSync(context.Background(), func(ctx context.Context) {
		for p := range producers {
			g.Go(func() error {
				for s := range perProducer {
					tq.DispatchAsync(ctx, record(p, s))
				}
				return nil
			})
		}
	}))
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == producers*perProducer
	}, 5*time.Second, time.Millisecond)

	next := make([]int, producers)
	mu.Lock()
	for _, e := range got {
		require.Equal(t, next[e.producer], e.seq, "producer %d out of order", e.producer)
		next[e.producer]++
	}
	mu.Unlock()
	assert.Zero(t, off.Load())

	// A post arriving after the owner parked still wakes it.
	var taskCtx context.Context
	require.NoError(t, tq.DispatchSync(context.Background(), func(ctx context.Context) { taskCtx = ctx }))
	require.Eventually(t, func() bool { return w.State() == Idle }, time.Second, time.Millisecond)
	late := make(chan struct{})
	go tq.DispatchAsync(taskCtx, func(context.Context) { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late post never ran")
	}
}
