// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule decides when the grow light is on and superimposes
// the air pump's duty cycle. All decisions are made in the configured
// IANA timezone against the wall clock; the engine reloads its
// configuration from the durable store on every evaluation tick so a
// change written by the cloud or the local channel takes effect within
// a minute.
package schedule

import (
	"fmt"
	"time"

	"github.com/verdant-foundation/verdant/store"
)

// Store keys.
const (
	ConfigKey = "schedule_cfg"
	PumpKey   = "pump_cycle"

	// LastSeenKey holds the Unix time of the engine's most recent
	// evaluation tick, the reconciliation input after a reboot.
	LastSeenKey = "sched_seen"
)

// Config is the light schedule: local on/off wall-clock times and the
// timezone they are expressed in.
type Config struct {
	OnHour    int    `cbor:"on_hour"`
	OnMinute  int    `cbor:"on_min"`
	OffHour   int    `cbor:"off_hour"`
	OffMinute int    `cbor:"off_min"`
	Timezone  string `cbor:"tz"`
}

// maxTimezoneLen bounds the stored timezone identifier.
const maxTimezoneLen = 64

// Validate reports whether the schedule fields are in range.
func (c Config) Validate() error {
	if c.OnHour < 0 || c.OnHour > 23 || c.OffHour < 0 || c.OffHour > 23 {
		return fmt.Errorf("schedule: hour out of range: on=%d off=%d", c.OnHour, c.OffHour)
	}
	if c.OnMinute < 0 || c.OnMinute > 59 || c.OffMinute < 0 || c.OffMinute > 59 {
		return fmt.Errorf("schedule: minute out of range: on=%d off=%d", c.OnMinute, c.OffMinute)
	}
	if len(c.Timezone) > maxTimezoneLen {
		return fmt.Errorf("schedule: timezone identifier too long (%d bytes)", len(c.Timezone))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("schedule: unknown timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC when
// the identifier cannot be loaded.
func (c Config) Location() *time.Location {
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

// IsOn reports whether the light should be on at the given instant.
// The comparison happens on local minute-of-day: the on minute is
// inclusive, the off minute exclusive. When on is not before off the
// window spans midnight.
func (c Config) IsOn(now time.Time) bool {
	local := now.In(c.Location())
	minute := local.Hour()*60 + local.Minute()
	onMinute := c.OnHour*60 + c.OnMinute
	offMinute := c.OffHour*60 + c.OffMinute

	if onMinute < offMinute {
		return minute >= onMinute && minute < offMinute
	}
	// Overnight window, e.g. on 22:00 off 06:00.
	return minute >= onMinute || minute < offMinute
}

// NextEvents returns the next on and next off instants strictly after
// now, each computed independently: build the local broken-down time
// at the target hour:minute, advance one day if it has already
// passed, and let date normalization absorb month and year rollovers.
func (c Config) NextEvents(now time.Time) (nextOn, nextOff time.Time) {
	location := c.Location()
	nextOn = nextOccurrence(now, c.OnHour, c.OnMinute, location)
	nextOff = nextOccurrence(now, c.OffHour, c.OffMinute, location)
	return nextOn, nextOff
}

func nextOccurrence(now time.Time, hour, minute int, location *time.Location) time.Time {
	local := now.In(location)
	event := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, location)
	if !event.After(now) {
		event = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, location)
	}
	return event.UTC()
}

// Event is a reconciliation outcome: the state the light should be
// put into, stamped with the time the correction was computed.
type Event struct {
	On bool
	At time.Time
}

// Reconcile collapses any number of transitions missed between
// lastSeen and now into at most one correcting event. When the
// schedule state at the two instants agrees — including when lastSeen
// is not in the past — nothing is emitted. The collapse is what makes
// the computation robust across DST jumps; distinguishing individual
// missed events is deliberately not attempted.
func Reconcile(lastSeen, now time.Time, c Config) (Event, bool) {
	if !lastSeen.Before(now) {
		return Event{}, false
	}
	wasOn := c.IsOn(lastSeen)
	shouldBeOn := c.IsOn(now)
	if wasOn == shouldBeOn {
		return Event{}, false
	}
	return Event{On: shouldBeOn, At: now}, true
}

// PumpCycle is the air pump's duty cycle, superimposed independently
// of the light schedule.
type PumpCycle struct {
	// OnMinutes is how long the pump runs each cycle.
	OnMinutes int `cbor:"on_min"`

	// PeriodMinutes is the full cycle length. Clamped up to
	// OnMinutes at load when misconfigured shorter.
	PeriodMinutes int `cbor:"period_min"`

	// Intensity is the duty percentage while the pump is on.
	Intensity uint8 `cbor:"intensity"`
}

// Normalized enforces the period ≥ on-duration invariant.
func (p PumpCycle) Normalized() PumpCycle {
	if p.OnMinutes < 0 {
		p.OnMinutes = 0
	}
	if p.PeriodMinutes < p.OnMinutes {
		p.PeriodMinutes = p.OnMinutes
	}
	return p
}

// IsOn reports whether the pump runs at the given instant. The cycle
// is anchored at the Unix epoch minute so the phase is identical
// across reboots and across devices sharing a configuration.
func (p PumpCycle) IsOn(now time.Time) bool {
	p = p.Normalized()
	if p.OnMinutes == 0 || p.PeriodMinutes == 0 {
		return false
	}
	minutes := now.Unix() / 60
	return int(minutes%int64(p.PeriodMinutes)) < p.OnMinutes
}

// Desired returns the pump duty at the given instant.
func (p PumpCycle) Desired(now time.Time) uint8 {
	if p.IsOn(now) {
		return p.Intensity
	}
	return 0
}

// Defaults holds the first-boot values materialized when the store is
// empty.
type Defaults struct {
	Config Config
	Pump   PumpCycle

	// LightOnPercent is the duty the light runs at inside its
	// window.
	LightOnPercent uint8
}

// LoadConfig reads the schedule from the store. When the key is
// missing or unreadable the defaults are returned and written back,
// so the configuration is always present afterwards.
func LoadConfig(st *store.Store, defaults Config) (Config, error) {
	var config Config
	err := st.LoadValue(ConfigKey, &config)
	if err == nil && config.Validate() == nil {
		return config, nil
	}
	if saveErr := st.SaveValue(ConfigKey, defaults); saveErr != nil {
		return defaults, fmt.Errorf("materializing default schedule: %w", saveErr)
	}
	return defaults, nil
}

// SaveConfig validates and persists a schedule.
func SaveConfig(st *store.Store, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	return st.SaveValue(ConfigKey, config)
}

// LoadPumpCycle reads the pump cycle, materializing defaults the same
// way LoadConfig does. The loaded value is normalized.
func LoadPumpCycle(st *store.Store, defaults PumpCycle) (PumpCycle, error) {
	var cycle PumpCycle
	err := st.LoadValue(PumpKey, &cycle)
	if err == nil {
		return cycle.Normalized(), nil
	}
	defaults = defaults.Normalized()
	if saveErr := st.SaveValue(PumpKey, defaults); saveErr != nil {
		return defaults, fmt.Errorf("materializing default pump cycle: %w", saveErr)
	}
	return defaults, nil
}
