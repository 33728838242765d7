// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "context"

// Actor confines a value to a queue. Every access runs as a task on that
// queue, so with a serial queue the value is never touched concurrently.
type Actor[T any] struct {
	state *T
	q     Queue
}

// NewActor binds state to q.
func NewActor[T any](state *T, q Queue) *Actor[T] {
	return &Actor[T]{state: state, q: q}
}

// Queue returns the queue the actor runs on.
func (a *Actor[T]) Queue() Queue { return a.q }

// Tell runs fn against the state without waiting for it.
func (a *Actor[T]) Tell(ctx context.Context, fn func(ctx context.Context, s *T)) {
	a.q.DispatchAsync(ctx, func(ctx context.Context) { fn(ctx, a.state) })
}

// Ask runs fn against the state and returns its error. A panic in fn comes
// back as *PanicError.
func (a *Actor[T]) Ask(ctx context.Context, fn func(ctx context.Context, s *T) error) error {
	var err error
	if serr := a.q.DispatchSync(ctx, func(ctx context.Context) { err = fn(ctx, a.state) }); serr != nil {
		return serr
	}
	return err
}
