// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package safety is the highest-priority loop in the system: a task
// watchdog that every long-lived task checks in with. A task that
// misses its deadline trips the watchdog, which forces both actuators
// to zero through the control queue's urgent lane, writes an audit
// line, and requests a reset. The pet path allocates nothing.
package safety

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
)

// DefaultCheckInterval is the monitor loop period.
const DefaultCheckInterval = time.Second

// Resetter requests a device reset after a trip.
type Resetter interface {
	Reset(reason string)
}

// Watchdog tracks task check-ins against per-task deadlines.
type Watchdog struct {
	Queue *control.Queue
	Clock clock.Clock
	Reset Resetter // may be nil

	// Audit receives one line per trip. May be nil.
	Audit func(format string, args ...any)

	// CheckInterval overrides the monitor period; zero selects the
	// default.
	CheckInterval time.Duration

	Log *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskEntry

	tripped bool
}

type taskEntry struct {
	budget   time.Duration
	lastSeen time.Time
}

// Register enrolls a task. The budget is the longest acceptable gap
// between pets; a task that blocks longer trips the watchdog.
func (w *Watchdog) Register(name string, budget time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tasks == nil {
		w.tasks = make(map[string]*taskEntry)
	}
	w.tasks[name] = &taskEntry{budget: budget, lastSeen: w.Clock.Now()}
}

// Unregister removes a task, e.g. on orderly shutdown.
func (w *Watchdog) Unregister(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tasks, name)
}

// Pet records a check-in. Unknown names are ignored so a task may pet
// before its registration during startup ordering races.
func (w *Watchdog) Pet(name string) {
	w.mu.Lock()
	if entry, ok := w.tasks[name]; ok {
		entry.lastSeen = w.Clock.Now()
	}
	w.mu.Unlock()
}

// PetFunc returns a zero-argument pet closure for the named task, the
// form the task constructors accept.
func (w *Watchdog) PetFunc(name string) func() {
	return func() { w.Pet(name) }
}

// Run monitors check-ins until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "safety")
	interval := w.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	ticker := w.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if name, overdue := w.findStale(); overdue {
				w.Trip(log, "task "+name+" missed its watchdog deadline")
			}
		}
	}
}

// findStale returns the first task past its budget.
func (w *Watchdog) findStale() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.Clock.Now()
	for name, entry := range w.tasks {
		if now.Sub(entry.lastSeen) > entry.budget {
			return name, true
		}
	}
	return "", false
}

// Trip forces the urgent shutdown, audits, and requests a reset. The
// first trip wins; repeats are ignored until the reset lands.
func (w *Watchdog) Trip(log *slog.Logger, reason string) {
	w.mu.Lock()
	if w.tripped {
		w.mu.Unlock()
		return
	}
	w.tripped = true
	w.mu.Unlock()

	if log == nil {
		log = slog.Default()
	}
	log.Error("safety trip", "reason", reason)
	control.SafetyShutdown(w.Queue, w.Clock.Now())
	if w.Audit != nil {
		w.Audit("safety: %s", reason)
	}
	if w.Reset != nil {
		w.Reset.Reset(reason)
	}
}

// Tripped reports whether the watchdog has fired.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}
