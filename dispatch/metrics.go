// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxdispatch"

// Metrics holds OpenTelemetry metric instruments for the dispatch engine.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	tasksExecuted metric.Int64Counter
	taskPanics    metric.Int64Counter
	wakeups       metric.Int64Counter
	parks         metric.Int64Counter
	migrations    metric.Int64Counter
	timerFired    metric.Int64Counter

	workersLive metric.Int64UpDownCounter
	workersIdle metric.Int64UpDownCounter

	taskDuration metric.Float64Histogram

	kindAttrs [3]metric.MeasurementOption
}

// NewMetrics creates the instruments on mp, or on the global provider when mp
// is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.tasksExecuted, err = m.meter.Int64Counter(
		"dispatch.tasks.executed",
		metric.WithDescription("Total tasks run by workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch tasksExecuted counter: %w", err)
	}

	m.taskPanics, err = m.meter.Int64Counter(
		"dispatch.tasks.panics",
		metric.WithDescription("Total tasks that panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch taskPanics counter: %w", err)
	}

	m.wakeups, err = m.meter.Int64Counter(
		"dispatch.worker.wakeups",
		metric.WithDescription("Total parked workers woken by producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch wakeups counter: %w", err)
	}

	m.parks, err = m.meter.Int64Counter(
		"dispatch.worker.parks",
		metric.WithDescription("Total times a worker parked for lack of work"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch parks counter: %w", err)
	}

	m.migrations, err = m.meter.Int64Counter(
		"dispatch.context.migrations",
		metric.WithDescription("Total pooled context moves between workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch migrations counter: %w", err)
	}

	m.timerFired, err = m.meter.Int64Counter(
		"dispatch.timer.fired",
		metric.WithDescription("Total delayed tasks handed to their queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch timerFired counter: %w", err)
	}

	m.workersLive, err = m.meter.Int64UpDownCounter(
		"dispatch.workers.live",
		metric.WithDescription("Current number of running workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch workersLive gauge: %w", err)
	}

	m.workersIdle, err = m.meter.Int64UpDownCounter(
		"dispatch.workers.idle",
		metric.WithDescription("Current number of parked workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch workersIdle gauge: %w", err)
	}

	m.taskDuration, err = m.meter.Float64Histogram(
		"dispatch.task.duration",
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch taskDuration histogram: %w", err)
	}

	for _, k := range []QueueKind{KindGlobal, KindSerial, KindThread} {
		m.kindAttrs[k] = metric.WithAttributes(attribute.String("queue.kind", k.String()))
	}

	return m, nil
}

func (m *Metrics) RecordTask(kind QueueKind, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := m.kindAttrs[kind]
	m.tasksExecuted.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordPanic(kind QueueKind) {
	if m == nil {
		return
	}
	m.taskPanics.Add(context.Background(), 1, m.kindAttrs[kind])
}

func (m *Metrics) RecordWakeup() {
	if m == nil {
		return
	}
	m.wakeups.Add(context.Background(), 1)
}

func (m *Metrics) RecordPark() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.parks.Add(ctx, 1)
	m.workersIdle.Add(ctx, 1)
}

func (m *Metrics) RecordUnpark() {
	if m == nil {
		return
	}
	m.workersIdle.Add(context.Background(), -1)
}

func (m *Metrics) RecordMigration() {
	if m == nil {
		return
	}
	m.migrations.Add(context.Background(), 1)
}

func (m *Metrics) RecordTimerFired() {
	if m == nil {
		return
	}
	m.timerFired.Add(context.Background(), 1)
}

func (m *Metrics) RecordWorkerStarted() {
	if m == nil {
		return
	}
	m.workersLive.Add(context.Background(), 1)
}

func (m *Metrics) RecordWorkerStopped() {
	if m == nil {
		return
	}
	m.workersLive.Add(context.Background(), -1)
}
