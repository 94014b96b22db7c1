// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package commission implements the local commissioning channel: the
// timing-window arbiter that decides when the channel advertises, and
// the session protocol that runs over it — plaintext provisioning
// frames, an ECDH handshake bound to the proof-of-possession secret,
// and AEAD-sealed control frames guarded by a persistent anti-replay
// window.
package commission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
)

// Arbiter defaults.
const (
	DefaultFallbackAfter = 60 * time.Second
	DefaultStableFor     = 5 * time.Minute
	DefaultReopenAfter   = 180 * time.Second

	// arbiterTick is the step interval of the state machine.
	arbiterTick = time.Second
)

// StabilityReader reports when the link last came up. The network
// supervisor implements it.
type StabilityReader interface {
	StableSince() (time.Time, bool)
}

// Arbiter owns the local_channel_active bit. It never touches the
// radio; the channel server subscribes to the bit and starts or stops
// advertising accordingly.
type Arbiter struct {
	Bits      *events.Group
	Clock     clock.Clock
	Stability StabilityReader

	// FallbackAfter is the boot window after which the channel
	// opens when the device lacks a link or synced time.
	FallbackAfter time.Duration

	// StableFor is the continuous-uptime span that closes the
	// channel.
	StableFor time.Duration

	// ReopenAfter is the post-provisioning grace: if the link has
	// not come up this long after credentials arrived, the channel
	// reopens.
	ReopenAfter time.Duration

	// Pet feeds the safety watchdog each tick. May be nil.
	Pet func()

	Log *slog.Logger

	mu            sync.Mutex
	bootedAt      time.Time
	everOpened    bool
	provisionedAt time.Time
	reopened      bool
}

// NoteProvisioned records that provisioning completed and closes the
// channel. Called by the session handler after credentials are
// accepted.
func (a *Arbiter) NoteProvisioned() {
	a.mu.Lock()
	a.provisionedAt = a.Clock.Now()
	a.reopened = false
	a.mu.Unlock()
	a.Bits.Clear(events.LocalChannelActive)
	if a.Log != nil {
		a.Log.Info("provisioning completed, closing local channel")
	}
}

// Run steps the state machine every second until ctx is done.
func (a *Arbiter) Run(ctx context.Context) error {
	if a.Log == nil {
		a.Log = slog.Default()
	}
	a.Log = a.Log.With("component", "commission-arbiter")
	if a.FallbackAfter <= 0 {
		a.FallbackAfter = DefaultFallbackAfter
	}
	if a.StableFor <= 0 {
		a.StableFor = DefaultStableFor
	}
	if a.ReopenAfter <= 0 {
		a.ReopenAfter = DefaultReopenAfter
	}
	a.mu.Lock()
	a.bootedAt = a.Clock.Now()
	a.mu.Unlock()

	ticker := a.Clock.NewTicker(arbiterTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.step()
			if a.Pet != nil {
				a.Pet()
			}
		}
	}
}

// step evaluates the guard table once.
func (a *Arbiter) step() {
	now := a.Clock.Now()
	bits := a.Bits.Snapshot()
	linkHealthy := bits&events.WifiUp != 0 && bits&events.TimeSynced != 0
	channelOpen := bits&events.LocalChannelActive != 0

	a.mu.Lock()
	defer a.mu.Unlock()

	// Boot fallback: the channel opens once, FallbackAfter into an
	// unprovisioned or unconnected boot.
	if !a.everOpened && !linkHealthy &&
		now.Sub(a.bootedAt) >= a.FallbackAfter {
		a.everOpened = true
		a.Bits.Set(events.LocalChannelActive)
		a.Log.Info("opening local channel (boot fallback)",
			"elapsed", now.Sub(a.bootedAt))
		return
	}

	// Stability close: a continuously healthy link retires the
	// channel.
	if channelOpen {
		if since, ok := a.Stability.StableSince(); ok &&
			bits&events.WifiUp != 0 && now.Sub(since) >= a.StableFor {
			a.Bits.Clear(events.LocalChannelActive)
			a.Log.Info("closing local channel (link stable)",
				"stable", now.Sub(since))
			return
		}
	}

	// Post-provisioning reopen: credentials arrived but the link
	// never came up.
	if !a.provisionedAt.IsZero() && !a.reopened &&
		bits&events.WifiUp == 0 &&
		now.Sub(a.provisionedAt) >= a.ReopenAfter {
		a.reopened = true
		a.everOpened = true
		a.Bits.Set(events.LocalChannelActive)
		a.Log.Warn("reopening local channel (link never came up after provisioning)")
	}
}
