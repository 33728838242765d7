// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/amqp/frames"
	"github.com/absmach/fluxdispatch/amqp/types"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, threads int) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(dispatch.Config{Label: "wl", Threads: threads},
		dispatch.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestWorkloadDeliversInOrder(t *testing.T) {
	d := newTestDispatcher(t, 4)
	wl, err := newWorkload(d, config.WorkloadConfig{Pairs: 3, Messages: 200}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := wl.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Pairs)
	assert.Equal(t, uint64(600), sum.Messages)
	assert.Positive(t, sum.Bytes)
	// Pong only hears from ping, so each pong ends up on its ping's worker.
	assert.Equal(t, 3, sum.Colocated)
	assert.Positive(t, d.Stats().GetMigrations())
}

func TestWorkloadRateLimited(t *testing.T) {
	d := newTestDispatcher(t, 2)
	wl, err := newWorkload(d, config.WorkloadConfig{Pairs: 1, Messages: 30, Rate: 1000, Burst: 10}, nil)
	require.NoError(t, err)

	start := time.Now()
	sum, err := wl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(30), sum.Messages)
	// 20 tokens beyond the burst at 1000/s.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWorkloadNoMessages(t *testing.T) {
	d := newTestDispatcher(t, 2)
	wl, err := newWorkload(d, config.WorkloadConfig{Pairs: 2}, nil)
	require.NoError(t, err)

	sum, err := wl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pairs)
	assert.Zero(t, sum.Messages)
}

func TestWorkloadCancelled(t *testing.T) {
	d := newTestDispatcher(t, 2)
	wl, err := newWorkload(d, config.WorkloadConfig{Pairs: 1, Messages: 1000, Rate: 10, Burst: 1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = wl.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkloadAfterShutdown(t *testing.T) {
	d := newTestDispatcher(t, 1)
	require.NoError(t, d.Shutdown(context.Background()))

	wl, err := newWorkload(d, config.WorkloadConfig{Pairs: 1, Messages: 1}, nil)
	require.NoError(t, err)
	_, err = wl.Run(context.Background())
	assert.ErrorIs(t, err, dispatch.ErrRejected)
}

func TestPingCodec(t *testing.T) {
	sent := time.Unix(0, 1_700_000_000_000_000_123)
	b, err := encodePing(7, 42, sent)
	require.NoError(t, err)

	seq, at, err := decodePing(b, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.True(t, sent.Equal(at))

	_, _, err = decodePing(b, 8)
	assert.ErrorIs(t, err, errUnexpectedMessage)

	_, _, err = decodePing(b[:len(b)-1], 7)
	assert.ErrorIs(t, err, frames.ErrShortBuffer)
}

func TestDecodePingRejectsForeignMessages(t *testing.T) {
	cases := map[string]any{
		"numeric descriptor": types.Described{Descriptor: uint64(1), Value: []any{uint64(1), int64(1)}},
		"wrong arity":        types.Described{Descriptor: pingDescriptor, Value: []any{uint64(1)}},
		"wrong field types":  types.Described{Descriptor: pingDescriptor, Value: []any{"1", int64(1)}},
		"not described":      []any{uint64(1), int64(1)},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			body, err := types.Marshal(v)
			require.NoError(t, err)
			b := frames.Encode(nil, frames.Frame{Channel: 1, Body: body})
			_, _, err = decodePing(b, 1)
			assert.ErrorIs(t, err, errUnexpectedMessage)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "debug", Format: "text"}).Debug("dbg")
	assert.Contains(t, buf.String(), "msg=dbg")
}
