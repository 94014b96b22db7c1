// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/store"
)

// petInterval is the longest the engine sleeps in one stretch, so the
// safety watchdog keeps hearing from it while it waits out a minute.
const petInterval = time.Second

// Engine is the schedule task. It waits for time sync, reconciles the
// state missed while the device was off, then re-evaluates the light
// predicate and the pump superimposition on every minute boundary,
// emitting a command only when the desired state changed.
type Engine struct {
	Store    *store.Store
	Queue    *control.Queue
	Bits     *events.Group
	Clock    clock.Clock
	Defaults Defaults

	// Pet feeds the safety watchdog. May be nil.
	Pet func()

	Log *slog.Logger

	// last emitted desired state; nil until the first emission.
	lastLight *uint8
	lastPump  *uint8
}

// Run executes the engine loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "schedule")

	// The wall clock is meaningless until time sync; feed the
	// watchdog while waiting.
	if err := e.waitForTimeSync(ctx); err != nil {
		return err
	}
	log.Info("time synchronized, starting schedule evaluation")

	e.reconcileBoot(log)

	for {
		e.evaluate(log)
		if err := e.sleepUntilNextMinute(ctx); err != nil {
			return err
		}
	}
}

func (e *Engine) waitForTimeSync(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, petInterval)
		err := e.Bits.WaitAll(waitCtx, events.TimeSynced)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Pet != nil {
			e.Pet()
		}
	}
}

// reconcileBoot collapses the transitions missed since the engine last
// ran into a single correcting command.
func (e *Engine) reconcileBoot(log *slog.Logger) {
	now := e.Clock.Now()
	config, err := LoadConfig(e.Store, e.Defaults.Config)
	if err != nil {
		log.Warn("loading schedule for reconciliation", "error", err)
	}

	lastSeen, err := e.Store.LoadUint64(LastSeenKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("loading last-seen timestamp", "error", err)
		}
		// First boot: apply the current predicate outright.
		e.emit(log, now, config, LoadPumpCycleOrDefault(e.Store, e.Defaults.Pump))
		return
	}

	if event, ok := Reconcile(time.Unix(int64(lastSeen), 0), now, config); ok {
		log.Info("reconciling missed transition", "on", event.On)
	}
	// Whether or not a transition was missed, emit the current
	// desired state once so the actuators match the schedule.
	e.emit(log, now, config, LoadPumpCycleOrDefault(e.Store, e.Defaults.Pump))
}

// evaluate runs one tick: reload configuration, compute desired
// state, emit a command when it changed, and persist the tick time.
func (e *Engine) evaluate(log *slog.Logger) {
	now := e.Clock.Now()
	config, err := LoadConfig(e.Store, e.Defaults.Config)
	if err != nil {
		log.Warn("loading schedule", "error", err)
	}
	pump := LoadPumpCycleOrDefault(e.Store, e.Defaults.Pump)

	desiredLight := uint8(0)
	if config.IsOn(now) {
		desiredLight = e.lightOnPercent()
	}
	desiredPump := pump.Desired(now)

	changed := e.lastLight == nil || *e.lastLight != desiredLight ||
		e.lastPump == nil || *e.lastPump != desiredPump
	if changed {
		e.submit(now, desiredLight, desiredPump)
		log.Info("schedule transition", "light", desiredLight, "pump", desiredPump)
	}

	if err := e.Store.SaveUint64(LastSeenKey, uint64(now.Unix())); err != nil {
		log.Warn("persisting last-seen timestamp", "error", err)
	}
}

// emit applies the current desired state unconditionally (used at
// boot) and primes the change detector.
func (e *Engine) emit(log *slog.Logger, now time.Time, config Config, pump PumpCycle) {
	desiredLight := uint8(0)
	if config.IsOn(now) {
		desiredLight = e.lightOnPercent()
	}
	desiredPump := pump.Desired(now)
	e.submit(now, desiredLight, desiredPump)
	log.Info("applying schedule state", "light", desiredLight, "pump", desiredPump)

	if err := e.Store.SaveUint64(LastSeenKey, uint64(now.Unix())); err != nil {
		log.Warn("persisting last-seen timestamp", "error", err)
	}
}

func (e *Engine) submit(now time.Time, light, pump uint8) {
	e.Queue.Submit(control.Command{
		Actor:        control.ActorSchedule,
		Timestamp:    now.Unix(),
		LightPercent: light,
		PumpPercent:  pump,
		Ramp:         time.Second,
	})
	e.lastLight = &light
	e.lastPump = &pump
}

func (e *Engine) lightOnPercent() uint8 {
	if e.Defaults.LightOnPercent == 0 {
		return 100
	}
	return e.Defaults.LightOnPercent
}

// sleepUntilNextMinute waits for the next minute boundary in
// watchdog-sized chunks.
func (e *Engine) sleepUntilNextMinute(ctx context.Context) error {
	now := e.Clock.Now()
	boundary := now.Truncate(time.Minute).Add(time.Minute)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now = e.Clock.Now()
		if !now.Before(boundary) {
			return nil
		}
		remaining := boundary.Sub(now)
		if remaining > petInterval {
			remaining = petInterval
		}
		e.Clock.Sleep(remaining)
		if e.Pet != nil {
			e.Pet()
		}
	}
}

// LoadPumpCycleOrDefault is LoadPumpCycle with the error folded into
// the default, for call sites that already logged a configuration
// problem this tick.
func LoadPumpCycleOrDefault(st *store.Store, defaults PumpCycle) PumpCycle {
	cycle, err := LoadPumpCycle(st, defaults)
	if err != nil {
		return defaults.Normalized()
	}
	return cycle
}
