// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package balancer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct{ name string }

func (d *fakeDispatcher) Name() string { return d.name }

type fakeContext struct {
	label string
	owner Dispatcher
}

func (c *fakeContext) Label() string         { return c.label }
func (c *fakeContext) Owner() Dispatcher     { return c.owner }
func (c *fakeContext) AssignTo(d Dispatcher) { c.owner = d }

// inlineScheduler records scheduled passes and runs them on demand.
type inlineScheduler struct {
	mu     sync.Mutex
	queued []func()
	delays []time.Duration
}

func (s *inlineScheduler) Schedule(fn func(), delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, fn)
	s.delays = append(s.delays, delay)
	return nil
}

func (s *inlineScheduler) runNext() bool {
	s.mu.Lock()
	if len(s.queued) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.queued[0]
	s.queued = s.queued[1:]
	s.mu.Unlock()
	fn()
	return true
}

func TestSimpleMigratesToSingleCaller(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}

	var hooked []string
	lb := NewSimple(nil, WithMigrationHook(func(ctx Context, from, to Dispatcher) {
		hooked = append(hooked, from.Name()+"->"+to.Name())
	}))
	lb.Start()

	b := &fakeContext{label: "B", owner: d1}
	a := &fakeContext{label: "A", owner: d2}
	tr := lb.CreateTracker(b)

	tr.OnDispatchRequest(d2, a)
	assert.Equal(t, d2, b.owner)
	assert.Equal(t, uint64(1), lb.Migrations())

	// Already co-located: no further migration.
	tr.OnDispatchRequest(d2, a)
	assert.Equal(t, uint64(1), lb.Migrations())

	// Same caller moved elsewhere: follow it.
	tr.OnDispatchRequest(d1, a)
	assert.Equal(t, d1, b.owner)
	assert.Equal(t, uint64(2), lb.Migrations())
	assert.Equal(t, []string{"d1->d2", "d2->d1"}, hooked)
}

func TestSimpleSecondCallerStopsMigration(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}
	d3 := &fakeDispatcher{name: "d3"}

	lb := NewSimple(nil)
	lb.Start()

	b := &fakeContext{label: "B", owner: d1}
	a := &fakeContext{label: "A"}
	c := &fakeContext{label: "C"}
	tr := lb.CreateTracker(b).(*tracker)

	tr.OnDispatchRequest(d2, a)
	require.Equal(t, d2, b.owner)

	tr.OnDispatchRequest(d3, c)
	tr.OnDispatchRequest(d3, c)
	tr.OnDispatchRequest(d1, a)
	assert.Equal(t, d2, b.owner)
	assert.Equal(t, uint64(1), lb.Migrations())

	calls := tr.callers()
	assert.Equal(t, uint64(2), calls[a])
	assert.Equal(t, uint64(2), calls[c])
}

func TestSimpleIgnoresSelfAndNilCaller(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}

	lb := NewSimple(nil)
	lb.Start()

	b := &fakeContext{label: "B", owner: d1}
	tr := lb.CreateTracker(b).(*tracker)

	tr.OnDispatchRequest(d2, nil)
	tr.OnDispatchRequest(d2, b)
	assert.Equal(t, d1, b.owner)
	assert.Empty(t, tr.callers())
}

func TestSimpleStopIsKillSwitch(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}

	lb := NewSimple(nil)
	b := &fakeContext{label: "B", owner: d1}
	a := &fakeContext{label: "A"}
	tr := lb.CreateTracker(b)

	// Not started yet.
	tr.OnDispatchRequest(d2, a)
	assert.Equal(t, d1, b.owner)

	lb.Start()
	assert.True(t, lb.Running())
	lb.Stop()
	assert.False(t, lb.Running())

	tr.OnDispatchRequest(d2, a)
	assert.Equal(t, d1, b.owner)
	assert.Zero(t, lb.Migrations())
}

func TestSimpleClosedTrackerIgnoresRequests(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}

	lb := NewSimple(nil)
	lb.Start()
	b := &fakeContext{label: "B", owner: d1}
	tr := lb.CreateTracker(b)
	tr.Close()
	tr.Close()

	tr.OnDispatchRequest(d2, &fakeContext{label: "A"})
	assert.Equal(t, d1, b.owner)
}

func TestSimpleTracksDispatchers(t *testing.T) {
	d1 := &fakeDispatcher{name: "d1"}
	d2 := &fakeDispatcher{name: "d2"}

	lb := NewSimple(nil)
	lb.OnDispatcherStarted(d1)
	lb.OnDispatcherStarted(d2)
	assert.Equal(t, []Dispatcher{d1, d2}, lb.Dispatchers())

	lb.OnDispatcherStopped(d1)
	assert.Equal(t, []Dispatcher{d2}, lb.Dispatchers())
	lb.OnDispatcherStopped(d1)
	assert.Equal(t, []Dispatcher{d2}, lb.Dispatchers())
}

func TestSimpleRebalancePassRearms(t *testing.T) {
	sched := &inlineScheduler{}
	lb := NewSimple(nil, WithRebalanceInterval(10*time.Millisecond, sched))

	d1 := &fakeDispatcher{name: "d1"}
	b := &fakeContext{label: "B", owner: d1}
	lb.CreateTracker(b)

	lb.Start()
	require.True(t, sched.runNext())
	require.True(t, sched.runNext())
	assert.Equal(t, uint64(2), lb.RebalancePasses())
	assert.Equal(t, d1, b.owner)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, sched.delays)

	lb.Stop()
	require.True(t, sched.runNext())
	assert.Equal(t, uint64(2), lb.RebalancePasses())
	assert.False(t, sched.runNext())
}

func TestSimpleRebalanceDisabledByDefault(t *testing.T) {
	sched := &inlineScheduler{}
	lb := NewSimple(nil, WithRebalanceInterval(0, sched))
	lb.Start()
	assert.False(t, sched.runNext())
}

func TestNoopNeverMigrates(t *testing.T) {
	var lb Balancer = Noop{}
	lb.Start()
	assert.False(t, lb.Running())

	d1 := &fakeDispatcher{name: "d1"}
	b := &fakeContext{label: "B", owner: d1}
	tr := lb.CreateTracker(b)
	tr.OnDispatchRequest(&fakeDispatcher{name: "d2"}, &fakeContext{label: "A"})
	tr.Close()
	assert.Equal(t, d1, b.owner)
}
