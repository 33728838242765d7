// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type account struct {
	balance int
	history []int
}

var errInsufficient = errors.New("insufficient funds")

func TestActorTellAndAsk(t *testing.T) {
	d := newTestDispatcher(t, 4)
	q := d.CreateSerialQueue("account")
	acc := NewActor(&account{}, q)
	assert.Same(t, q, acc.Queue())

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 50 {
				acc.Tell(context.Background(), func(_ context.Context, a *account) {
					a.balance++
					a.history = append(a.history, a.balance)
				})
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var balance, entries int
	require.NoError(t, acc.Ask(context.Background(), func(_ context.Context, a *account) error {
		balance = a.balance
		entries = len(a.history)
		return nil
	}))
	assert.Equal(t, 400, balance)
	assert.Equal(t, 400, entries)

	err := acc.Ask(context.Background(), func(_ context.Context, a *account) error {
		if a.balance < 1000 {
			return errInsufficient
		}
		a.balance -= 1000
		return nil
	})
	assert.ErrorIs(t, err, errInsufficient)

	err = acc.Ask(context.Background(), func(context.Context, *account) error {
		panic("corrupted")
	})
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
}
