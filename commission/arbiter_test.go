// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package commission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
)

// fakeStability is a settable StabilityReader.
type fakeStability struct {
	mu    sync.Mutex
	since time.Time
}

func (f *fakeStability) set(since time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
}

func (f *fakeStability) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = time.Time{}
}

func (f *fakeStability) StableSince() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.since.IsZero() {
		return time.Time{}, false
	}
	return f.since, true
}

type arbiterFixture struct {
	arbiter   *Arbiter
	bits      *events.Group
	clock     *clock.FakeClock
	stability *fakeStability
}

func newArbiterFixture(t *testing.T) *arbiterFixture {
	t.Helper()
	f := &arbiterFixture{
		bits:      events.NewGroup(),
		clock:     clock.Fake(time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)),
		stability: &fakeStability{},
	}
	f.arbiter = &Arbiter{
		Bits:          f.bits,
		Clock:         f.clock,
		Stability:     f.stability,
		FallbackAfter: 60 * time.Second,
		StableFor:     5 * time.Minute,
		ReopenAfter:   180 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.arbiter.Run(ctx)
	return f
}

// tickSeconds advances the fake clock through n one-second arbiter
// ticks.
func (f *arbiterFixture) tickSeconds(n int) {
	for i := 0; i < n; i++ {
		f.clock.WaitForTimers(1)
		f.clock.Advance(time.Second)
		// Give the arbiter goroutine a moment to run its step.
		time.Sleep(time.Millisecond)
	}
}

func (f *arbiterFixture) waitBit(t *testing.T, set bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.bits.Test(events.LocalChannelActive) == set {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("local_channel_active never became %v", set)
}

func TestBootFallbackOpensChannel(t *testing.T) {
	f := newArbiterFixture(t)

	f.tickSeconds(59)
	if f.bits.Test(events.LocalChannelActive) {
		t.Fatal("channel opened before the fallback window elapsed")
	}

	f.tickSeconds(2)
	f.waitBit(t, true)
}

func TestHealthyLinkSuppressesBootFallback(t *testing.T) {
	f := newArbiterFixture(t)
	f.bits.Set(events.WifiUp | events.TimeSynced)

	f.tickSeconds(90)
	if f.bits.Test(events.LocalChannelActive) {
		t.Error("channel opened despite a healthy link")
	}
}

func TestStableLinkClosesChannel(t *testing.T) {
	f := newArbiterFixture(t)

	// Open through boot fallback first.
	f.tickSeconds(61)
	f.waitBit(t, true)

	// Link comes up and stays up for the stability window.
	linkUpAt := f.clock.Now()
	f.bits.Set(events.WifiUp | events.TimeSynced)
	f.stability.set(linkUpAt)

	f.tickSeconds(5*60 + 1)
	f.waitBit(t, false)
}

func TestLinkLossResetsStabilityTimer(t *testing.T) {
	f := newArbiterFixture(t)
	f.tickSeconds(61)
	f.waitBit(t, true)

	// Up for four minutes, then a drop, then up again: the channel
	// must not close until a full five stable minutes elapse after
	// the second rise.
	f.bits.Set(events.WifiUp | events.TimeSynced)
	f.stability.set(f.clock.Now())
	f.tickSeconds(4 * 60)

	f.bits.Clear(events.WifiUp)
	f.stability.clear()
	f.tickSeconds(5)

	f.bits.Set(events.WifiUp)
	f.stability.set(f.clock.Now())
	f.tickSeconds(4 * 60)
	if !f.bits.Test(events.LocalChannelActive) {
		t.Fatal("channel closed before the restarted stability window elapsed")
	}

	f.tickSeconds(61)
	f.waitBit(t, false)
}

func TestReopenAfterProvisioningWithoutLink(t *testing.T) {
	f := newArbiterFixture(t)
	f.tickSeconds(61)
	f.waitBit(t, true)

	// Provisioning closes the channel immediately.
	f.arbiter.NoteProvisioned()
	f.waitBit(t, false)

	// 180 s later with the link still down, the channel reopens.
	f.tickSeconds(179)
	if f.bits.Test(events.LocalChannelActive) {
		t.Fatal("channel reopened early")
	}
	f.tickSeconds(2)
	f.waitBit(t, true)
}

func TestNoReopenWhenLinkCameUp(t *testing.T) {
	f := newArbiterFixture(t)
	f.tickSeconds(61)
	f.waitBit(t, true)

	f.arbiter.NoteProvisioned()
	f.waitBit(t, false)

	f.bits.Set(events.WifiUp | events.TimeSynced)
	f.stability.set(f.clock.Now())

	f.tickSeconds(200)
	if f.bits.Test(events.LocalChannelActive) {
		t.Error("channel reopened although the link came up")
	}
}
