// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/amqp/frames"
	"github.com/absmach/fluxdispatch/amqp/types"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pingDescriptor = types.Symbol("fluxdispatch:ping")
	reportInterval = 5 * time.Second
)

var errUnexpectedMessage = errors.New("unexpected message")

// summary is owned by the results actor.
type summary struct {
	Pairs      int
	Messages   uint64
	Bytes      uint64
	MaxLatency time.Duration
	Colocated  int
}

// pair is a ping context relaying frames to a pong context. Every field
// below done is only touched from pong's queue.
type pair struct {
	index int
	label string
	ping  *dispatch.PooledContext
	pong  *dispatch.PooledContext
	done  chan struct{}
	once  sync.Once
	err   error

	next       uint64
	bytes      uint64
	maxLatency time.Duration
}

func (p *pair) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// workload drives ping-pong traffic through the dispatcher. Producers
// encode on a partitioned lane keyed by pair, ping relays, pong decodes and
// checks ordering. Pong only ever hears from ping, so the balancer pulls it
// onto ping's worker.
type workload struct {
	d       *dispatch.Dispatcher
	cfg     config.WorkloadConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter
	lanes   *dispatch.PartitionedQueue
	results *dispatch.Actor[summary]
}

func newWorkload(d *dispatch.Dispatcher, cfg config.WorkloadConfig, logger *slog.Logger) (*workload, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lanes, err := d.CreatePartitionedQueue("lanes", max(1, d.Size()))
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &workload{
		d:       d,
		cfg:     cfg,
		logger:  logger.With("component", "workload"),
		tracer:  otel.Tracer("fluxdispatch/workload"),
		limiter: rate.NewLimiter(limit, burst),
		lanes:   lanes,
		results: dispatch.NewActor(&summary{}, d.CreateSerialQueue("results")),
	}, nil
}

// Run sends cfg.Messages through every pair and waits for all of them to
// arrive in order.
func (wl *workload) Run(ctx context.Context) (summary, error) {
	ctx, span := wl.tracer.Start(ctx, "workload.run", trace.WithAttributes(
		attribute.Int("pairs", wl.cfg.Pairs),
		attribute.Int("messages", wl.cfg.Messages),
	))
	defer span.End()

	pairs := make([]*pair, 0, wl.cfg.Pairs)
	defer func() {
		for _, p := range pairs {
			p.ping.Close()
			p.pong.Close()
		}
	}()
	for i := range wl.cfg.Pairs {
		p, err := wl.newPair(ctx, i)
		if err != nil {
			span.RecordError(err)
			return summary{}, err
		}
		pairs = append(pairs, p)
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	wl.scheduleReport(reportCtx)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pairs {
		g.Go(func() error { return wl.produce(gctx, p) })
		g.Go(func() error {
			select {
			case <-p.done:
				return p.err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return summary{}, err
	}

	var out summary
	err := wl.results.Ask(ctx, func(_ context.Context, s *summary) error {
		out = *s
		return nil
	})
	return out, err
}

func (wl *workload) newPair(ctx context.Context, i int) (*pair, error) {
	label := "pair-" + strconv.Itoa(i)
	ping, err := wl.d.Register(ctx, label+"-ping", nil)
	if err != nil {
		return nil, err
	}
	pong, err := wl.d.Register(ctx, label+"-pong", nil)
	if err != nil {
		ping.Close()
		return nil, err
	}
	p := &pair{index: i, label: label, ping: ping, pong: pong, done: make(chan struct{})}
	if wl.cfg.Messages == 0 {
		wl.complete(ctx, p)
	}
	return p, nil
}

func (wl *workload) produce(ctx context.Context, p *pair) error {
	for seq := range uint64(wl.cfg.Messages) {
		if err := wl.limiter.Wait(ctx); err != nil {
			return err
		}
		wl.lanes.DispatchAsync(ctx, p.label, func(ctx context.Context) {
			frame, err := encodePing(p.index, seq, time.Now())
			if err != nil {
				p.finish(err)
				return
			}
			p.ping.DispatchAsync(ctx, func(ctx context.Context) {
				p.pong.DispatchAsync(ctx, func(ctx context.Context) { wl.receive(ctx, p, frame) })
			})
		})
	}
	return nil
}

func (wl *workload) receive(ctx context.Context, p *pair, frame []byte) {
	seq, sent, err := decodePing(frame, p.index)
	if err != nil {
		p.finish(err)
		return
	}
	if seq != p.next {
		p.finish(fmt.Errorf("%w: %s got seq %d, want %d", errUnexpectedMessage, p.label, seq, p.next))
		return
	}
	p.next++
	p.bytes += uint64(len(frame))
	p.maxLatency = max(p.maxLatency, time.Since(sent))

	if p.next == uint64(wl.cfg.Messages) {
		wl.complete(ctx, p)
	}
}

func (wl *workload) complete(ctx context.Context, p *pair) {
	colocated := p.ping.Owner() == p.pong.Owner()
	messages, bytes, latency := p.next, p.bytes, p.maxLatency
	wl.results.Tell(ctx, func(_ context.Context, s *summary) {
		s.Pairs++
		s.Messages += messages
		s.Bytes += bytes
		s.MaxLatency = max(s.MaxLatency, latency)
		if colocated {
			s.Colocated++
		}
		p.finish(nil)
	})
	wl.logger.Debug("Pair finished", "pair", p.label, "messages", messages, "colocated", colocated)
}

func (wl *workload) scheduleReport(ctx context.Context) {
	var report dispatch.Task
	report = func(tctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		st := wl.d.Stats()
		wl.logger.Info("Dispatcher stats",
			"tasks", st.GetTasksExecuted(),
			"migrations", st.GetMigrations(),
			"parks", st.GetParks(),
			"idle_workers", st.GetIdleWorkers())
		if err := wl.d.Schedule(tctx, report, reportInterval); err != nil {
			wl.logger.Debug("Stats report stopped", "error", err)
		}
	}
	if err := wl.d.Schedule(ctx, report, reportInterval); err != nil {
		wl.logger.Debug("Stats report not scheduled", "error", err)
	}
}

// encodePing frames a described ping: [seq, sent unix nanos].
func encodePing(channel int, seq uint64, sent time.Time) ([]byte, error) {
	body, err := types.Marshal(types.Described{
		Descriptor: pingDescriptor,
		Value:      []any{seq, sent.UnixNano()},
	})
	if err != nil {
		return nil, err
	}
	return frames.Encode(nil, frames.Frame{Type: frames.FrameTypeAMQP, Channel: uint16(channel), Body: body}), nil
}

func decodePing(b []byte, channel int) (uint64, time.Time, error) {
	f, n, err := frames.Decode(b, frames.DefaultMaxFrameSize)
	if err != nil {
		return 0, time.Time{}, err
	}
	if n != len(b) || f.Channel != uint16(channel) {
		return 0, time.Time{}, fmt.Errorf("%w: channel %d, %d of %d bytes", errUnexpectedMessage, f.Channel, n, len(b))
	}

	v, _, err := types.Unmarshal(f.Body)
	if err != nil {
		return 0, time.Time{}, err
	}
	d, ok := v.(*types.Described)
	if !ok || d.Descriptor != pingDescriptor {
		return 0, time.Time{}, fmt.Errorf("%w: %v", errUnexpectedMessage, v)
	}
	fields, ok := d.Value.([]any)
	if !ok || len(fields) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: fields %v", errUnexpectedMessage, d.Value)
	}
	seq, ok1 := fields[0].(uint64)
	nanos, ok2 := fields[1].(int64)
	if !ok1 || !ok2 {
		return 0, time.Time{}, fmt.Errorf("%w: fields %v", errUnexpectedMessage, fields)
	}
	return seq, time.Unix(0, nanos), nil
}
