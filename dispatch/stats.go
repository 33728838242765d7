// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync/atomic"
	"time"
)

// Stats tracks dispatcher statistics using atomic counters.
type Stats struct {
	startTime time.Time

	tasksExecuted atomic.Uint64
	taskPanics    atomic.Uint64

	wakeups atomic.Uint64
	parks   atomic.Uint64

	migrations atomic.Uint64
	timerFired atomic.Uint64
	fatalExits atomic.Uint64

	liveWorkers atomic.Int64
	idleWorkers atomic.Int64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) GetTasksExecuted() uint64 { return s.tasksExecuted.Load() }
func (s *Stats) GetTaskPanics() uint64    { return s.taskPanics.Load() }
func (s *Stats) GetWakeups() uint64       { return s.wakeups.Load() }
func (s *Stats) GetParks() uint64         { return s.parks.Load() }
func (s *Stats) GetMigrations() uint64    { return s.migrations.Load() }
func (s *Stats) GetTimerFired() uint64    { return s.timerFired.Load() }
func (s *Stats) GetFatalExits() uint64    { return s.fatalExits.Load() }
func (s *Stats) GetLiveWorkers() int64    { return s.liveWorkers.Load() }
func (s *Stats) GetIdleWorkers() int64    { return s.idleWorkers.Load() }

func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
