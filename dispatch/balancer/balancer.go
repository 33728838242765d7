// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package balancer decides which dispatcher owns a registered context.
//
// A context whose dispatch requests keep arriving from another context that
// runs on a different dispatcher makes both dispatchers wake each other up on
// every exchange. Moving the requested context onto the caller's dispatcher
// lets a single dispatcher run both ends of the exchange.
package balancer

// Dispatcher is a worker a context can be assigned to.
type Dispatcher interface {
	Name() string
}

// Context is a registered unit of recurring work owned by one dispatcher.
type Context interface {
	Label() string
	Owner() Dispatcher
	// AssignTo transfers ownership. It must be safe against in-flight dispatch
	// requests: nothing enqueued before the switch may be lost or run twice.
	AssignTo(Dispatcher)
}

// Tracker observes dispatch requests made against one context.
//
// A Tracker is not safe for concurrent use. OnDispatchRequest must only be
// called by the dispatcher currently draining the tracked context.
type Tracker interface {
	OnDispatchRequest(caller Dispatcher, callerCtx Context)
	Close()
}

// Balancer creates trackers and follows the dispatcher population.
type Balancer interface {
	Start()
	Stop()
	Running() bool
	CreateTracker(Context) Tracker
	OnDispatcherStarted(Dispatcher)
	OnDispatcherStopped(Dispatcher)
}

// Noop never moves contexts.
type Noop struct{}

var _ Balancer = Noop{}

func (Noop) Start()                         {}
func (Noop) Stop()                          {}
func (Noop) Running() bool                  { return false }
func (Noop) CreateTracker(Context) Tracker  { return noopTracker{} }
func (Noop) OnDispatcherStarted(Dispatcher) {}
func (Noop) OnDispatcherStopped(Dispatcher) {}

type noopTracker struct{}

func (noopTracker) OnDispatchRequest(Dispatcher, Context) {}
func (noopTracker) Close()                                {}
