// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"
	"time"

	"github.com/verdant-foundation/verdant/store"
)

func utcConfig(onHour, offHour int) Config {
	return Config{OnHour: onHour, OffHour: offHour, Timezone: "UTC"}
}

func TestNextEventsFromEpoch(t *testing.T) {
	config := utcConfig(7, 21)
	nextOn, nextOff := config.NextEvents(time.Unix(0, 0))

	if got := nextOn.Unix(); got != 7*3600 {
		t.Errorf("next on = %d, want %d", got, 7*3600)
	}
	if got := nextOff.Unix(); got != 21*3600 {
		t.Errorf("next off = %d, want %d", got, 21*3600)
	}
}

func TestNextEventsAdvanceADay(t *testing.T) {
	config := utcConfig(7, 21)
	// 22:00: both events have passed today.
	now := time.Date(2026, time.March, 3, 22, 0, 0, 0, time.UTC)
	nextOn, nextOff := config.NextEvents(now)

	wantOn := time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC)
	wantOff := time.Date(2026, time.March, 4, 21, 0, 0, 0, time.UTC)
	if !nextOn.Equal(wantOn) {
		t.Errorf("next on = %v, want %v", nextOn, wantOn)
	}
	if !nextOff.Equal(wantOff) {
		t.Errorf("next off = %v, want %v", nextOff, wantOff)
	}
}

func TestNextEventsMonthRollover(t *testing.T) {
	config := utcConfig(7, 21)
	now := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	nextOn, _ := config.NextEvents(now)
	want := time.Date(2026, time.February, 1, 7, 0, 0, 0, time.UTC)
	if !nextOn.Equal(want) {
		t.Errorf("next on = %v, want %v", nextOn, want)
	}
}

func TestIsOnDaytimeWindow(t *testing.T) {
	config := utcConfig(7, 21)
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{6, 59, false},
		{7, 0, true}, // on minute inclusive
		{12, 0, true},
		{20, 59, true},
		{21, 0, false}, // off minute exclusive
		{23, 0, false},
	}
	for _, test := range tests {
		now := time.Date(2026, time.March, 3, test.hour, test.minute, 0, 0, time.UTC)
		if got := config.IsOn(now); got != test.want {
			t.Errorf("IsOn(%02d:%02d) = %v, want %v", test.hour, test.minute, got, test.want)
		}
	}
}

func TestIsOnOvernightWindow(t *testing.T) {
	config := utcConfig(22, 6)
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{7, 0, false},
		{5, 59, true},
		{6, 0, false},
		{22, 0, true},
		{21, 59, false},
	}
	for _, test := range tests {
		now := time.Date(2026, time.March, 3, test.hour, test.minute, 0, 0, time.UTC)
		if got := config.IsOn(now); got != test.want {
			t.Errorf("IsOn(%02d:%02d) = %v, want %v", test.hour, test.minute, got, test.want)
		}
	}
}

func TestIsOnRespectsTimezone(t *testing.T) {
	config := Config{OnHour: 7, OffHour: 21, Timezone: "America/New_York"}
	// 13:00 UTC in March is 08:00 or 09:00 in New York — inside the
	// window either way.
	now := time.Date(2026, time.March, 20, 13, 0, 0, 0, time.UTC)
	if !config.IsOn(now) {
		t.Error("IsOn(13:00 UTC) = false, want true in America/New_York")
	}
	// 04:00 UTC is 23:00 or 00:00 local — outside.
	now = time.Date(2026, time.March, 20, 4, 0, 0, 0, time.UTC)
	if config.IsOn(now) {
		t.Error("IsOn(04:00 UTC) = true, want false in America/New_York")
	}
}

func TestReconcileEmitsSingleCorrection(t *testing.T) {
	config := utcConfig(7, 21)
	lastSeen := time.Date(2026, time.March, 3, 6, 0, 0, 0, time.UTC)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)

	event, ok := Reconcile(lastSeen, now, config)
	if !ok {
		t.Fatal("Reconcile emitted nothing across an on transition")
	}
	if !event.On {
		t.Error("Reconcile event.On = false, want true")
	}
	if !event.At.Equal(now) {
		t.Errorf("Reconcile event.At = %v, want %v", event.At, now)
	}
}

func TestReconcileCollapsesMultipleMissedDays(t *testing.T) {
	config := utcConfig(7, 21)
	// Three full days missed; state at both endpoints is "off", so
	// nothing to correct despite six missed transitions.
	lastSeen := time.Date(2026, time.March, 1, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, time.March, 4, 23, 0, 0, 0, time.UTC)
	if _, ok := Reconcile(lastSeen, now, config); ok {
		t.Error("Reconcile emitted a correction when endpoint states agree")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	config := utcConfig(7, 21)
	lastSeen := time.Date(2026, time.March, 3, 6, 0, 0, 0, time.UTC)
	now := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)

	first, firstOK := Reconcile(lastSeen, now, config)
	second, secondOK := Reconcile(lastSeen, now, config)
	if firstOK != secondOK || first != second {
		t.Error("two Reconcile calls with identical inputs disagreed")
	}
}

func TestReconcileNoOpWhenClockRanBackward(t *testing.T) {
	config := utcConfig(7, 21)
	now := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	if _, ok := Reconcile(now.Add(time.Hour), now, config); ok {
		t.Error("Reconcile emitted with lastSeen after now")
	}
}

func TestPumpCycle(t *testing.T) {
	cycle := PumpCycle{OnMinutes: 15, PeriodMinutes: 60, Intensity: 80}
	tests := []struct {
		minute int64
		want   bool
	}{
		{0, true},
		{14, true},
		{15, false},
		{59, false},
		{60, true},
	}
	for _, test := range tests {
		now := time.Unix(test.minute*60, 0)
		if got := cycle.IsOn(now); got != test.want {
			t.Errorf("IsOn(minute %d) = %v, want %v", test.minute, got, test.want)
		}
	}
	if got := cycle.Desired(time.Unix(0, 0)); got != 80 {
		t.Errorf("Desired while on = %d, want 80", got)
	}
	if got := cycle.Desired(time.Unix(20*60, 0)); got != 0 {
		t.Errorf("Desired while off = %d, want 0", got)
	}
}

func TestPumpCycleClampsPeriod(t *testing.T) {
	cycle := PumpCycle{OnMinutes: 30, PeriodMinutes: 10}.Normalized()
	if cycle.PeriodMinutes != 30 {
		t.Errorf("period after clamp = %d, want 30", cycle.PeriodMinutes)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{OnHour: 7, OffHour: 21, Timezone: "UTC"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	for name, config := range map[string]Config{
		"bad_hour":     {OnHour: 24, Timezone: "UTC"},
		"bad_minute":   {OnMinute: 60, Timezone: "UTC"},
		"bad_timezone": {OnHour: 7, Timezone: "Not/AZone"},
	} {
		if err := config.Validate(); err == nil {
			t.Errorf("%s: Validate accepted %+v", name, config)
		}
	}
}

func TestLoadConfigMaterializesDefaults(t *testing.T) {
	st := store.New(store.NewMemBackend(), nil)
	defaults := utcConfig(7, 21)

	config, err := LoadConfig(st, defaults)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config != defaults {
		t.Errorf("LoadConfig = %+v, want defaults", config)
	}

	// The defaults must now be persisted.
	var stored Config
	if err := st.LoadValue(ConfigKey, &stored); err != nil {
		t.Fatalf("defaults were not written back: %v", err)
	}
	if stored != defaults {
		t.Errorf("stored = %+v, want %+v", stored, defaults)
	}
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	st := store.New(store.NewMemBackend(), nil)
	if err := SaveConfig(st, Config{OnHour: 99, Timezone: "UTC"}); err == nil {
		t.Error("SaveConfig accepted an out-of-range hour")
	}
}
