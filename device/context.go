// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/lib/trustroot"
	"github.com/verdant-foundation/verdant/schedule"
	"github.com/verdant-foundation/verdant/store"
	"github.com/verdant-foundation/verdant/telemetry"
)

// ErrResetRequested is the cause Run returns when a component asked
// for a device reset (firmware commit, safety trip). The process
// supervisor restarts the daemon, which is this platform's reset.
var ErrResetRequested = errors.New("device: reset requested")

// Context is the app context handed to every task: the three
// singletons plus the shared services. Tests construct a fresh one
// per case instead of reaching for globals.
type Context struct {
	Config   Config
	Store    *store.Store
	Bits     *events.Group
	Queue    *control.Queue
	Snapshot *control.Snapshot
	Clock    clock.Clock
	Audit    *telemetry.Audit
	Root     *trustroot.Blob
	Log      *slog.Logger
}

// ScheduleDefaults translates the configuration into the engine's
// default set.
func (c *Context) ScheduleDefaults() schedule.Defaults {
	onHour, onMinute, _ := parseHourMinute(c.Config.Schedule.On)
	offHour, offMinute, _ := parseHourMinute(c.Config.Schedule.Off)
	return schedule.Defaults{
		Config: schedule.Config{
			OnHour:    onHour,
			OnMinute:  onMinute,
			OffHour:   offHour,
			OffMinute: offMinute,
			Timezone:  c.Config.Schedule.Timezone,
		},
		Pump: schedule.PumpCycle{
			OnMinutes:     c.Config.Pump.OnMin,
			PeriodMinutes: c.Config.Pump.PeriodMin,
			Intensity:     uint8(c.Config.Pump.IntensityPct),
		},
		LightOnPercent: uint8(c.Config.Schedule.LightOnPct),
	}
}

// Resetter cancels the run context with ErrResetRequested. All reset
// paths (update commit, safety trip) converge here; the process exit
// that follows is the device reset.
type Resetter struct {
	Log    *slog.Logger
	Cancel context.CancelCauseFunc

	once sync.Once
}

// Reset implements update.Resetter and safety.Resetter.
func (r *Resetter) Reset(reason string) {
	r.once.Do(func() {
		if r.Log != nil {
			r.Log.Warn("device reset requested", "reason", reason)
		}
		r.Cancel(ErrResetRequested)
	})
}

// SystemInfo is the process-backed telemetry source: uptime since
// start, the supervisor-provided reset reason, and a low-water mark
// of free heap sampled from the runtime.
type SystemInfo struct {
	Clock       clock.Clock
	ResetCause  string
	startedAt   time.Time
	mu          sync.Mutex
	minFreeSeen uint64
}

// NewSystemInfo starts the uptime clock.
func NewSystemInfo(clk clock.Clock, resetCause string) *SystemInfo {
	return &SystemInfo{Clock: clk, ResetCause: resetCause, startedAt: clk.Now()}
}

// Uptime implements telemetry.SystemInfo.
func (s *SystemInfo) Uptime() time.Duration { return s.Clock.Now().Sub(s.startedAt) }

// ResetReason implements telemetry.SystemInfo.
func (s *SystemInfo) ResetReason() string {
	if s.ResetCause == "" {
		return "power-on"
	}
	return s.ResetCause
}

// MinFreeBytes implements telemetry.SystemInfo: the smallest
// heap-idle span observed across samples.
func (s *SystemInfo) MinFreeBytes() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	free := stats.HeapIdle - stats.HeapReleased

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minFreeSeen == 0 || free < s.minFreeSeen {
		s.minFreeSeen = free
	}
	return s.minFreeSeen
}
