// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/store"
)

// DefaultMaxRetry is the reconnect budget before the supervisor
// parks in StateFailed.
const DefaultMaxRetry = 6

// State is the supervisor's lifecycle position.
type State int

const (
	StateUninitialized State = iota

	// StateIdle: no credentials stored; waiting for commissioning.
	StateIdle

	// StateConnecting: credentials applied, association in flight.
	StateConnecting

	// StateUp: link established.
	StateUp

	// StateDegraded: link lost, retrying within budget.
	StateDegraded

	// StateFailed: retry budget exhausted; only new credentials or
	// a reset leave this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Supervisor owns the link lifecycle and the wifi_up and time_synced
// bits.
type Supervisor struct {
	Store    *store.Store
	Bits     *events.Group
	Clock    clock.Clock
	Radio    Radio
	Time     TimeSource // may be nil
	MaxRetry int        // zero selects DefaultMaxRetry
	Log      *slog.Logger

	mu          sync.Mutex
	state       State
	retryCount  int
	stableSince time.Time
	haveCreds   bool

	// reconfigured wakes the run loop after SetCredentials.
	reconfigured chan struct{}
}

// Init loads stored credentials and decides the starting state:
// Connecting when credentials exist, Idle otherwise. Call before Run.
func (s *Supervisor) Init() error {
	if s.reconfigured == nil {
		s.reconfigured = make(chan struct{}, 1)
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.Log = s.Log.With("component", "station")
	if s.MaxRetry <= 0 {
		s.MaxRetry = DefaultMaxRetry
	}

	var creds Credentials
	err := s.Store.LoadValue(CredentialsKey, &creds)
	switch {
	case err == nil && creds.Validate() == nil:
		if err := s.Radio.Configure(creds); err != nil {
			return fmt.Errorf("configuring radio: %w", err)
		}
		s.setState(StateConnecting)
		s.haveCreds = true
		if err := s.Radio.Connect(); err != nil {
			s.Log.Warn("initial connect failed", "error", err)
		}
		s.Log.Info("credentials loaded, connecting")
	case errors.Is(err, store.ErrNotFound) || err == nil:
		s.setState(StateIdle)
		s.Log.Info("no credentials stored, waiting for commissioning")
	default:
		// A corrupt credential blob behaves like no credentials;
		// commissioning rewrites it.
		s.setState(StateIdle)
		s.Log.Warn("loading credentials failed, treating as absent", "error", err)
	}
	return nil
}

// Run consumes radio events until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	var timeSynced <-chan struct{}
	if s.Time != nil {
		timeSynced = s.Time.Synced()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.reconfigured:
			// SetCredentials already moved the state machine;
			// nothing further here.

		case <-timeSynced:
			s.Bits.Set(events.TimeSynced)
			timeSynced = nil
			s.Log.Info("wall clock synchronized")

		case event, ok := <-s.Radio.Events():
			if !ok {
				return errors.New("station: radio event channel closed")
			}
			s.handleLinkEvent(event)
		}
	}
}

func (s *Supervisor) handleLinkEvent(event LinkEvent) {
	switch event {
	case LinkConnected:
		s.mu.Lock()
		s.state = StateUp
		s.retryCount = 0
		s.stableSince = s.Clock.Now()
		s.mu.Unlock()

		s.Bits.Set(events.WifiUp)
		if s.Time == nil {
			// No sync transport configured: trust the clock as
			// soon as the network is reachable.
			s.Bits.Set(events.TimeSynced)
		}
		s.Log.Info("link up")

	case LinkDisconnected:
		s.Bits.Clear(events.WifiUp)

		s.mu.Lock()
		s.stableSince = time.Time{}
		if s.state == StateFailed || s.state == StateIdle {
			s.mu.Unlock()
			return
		}
		s.retryCount++
		retry := s.retryCount
		if retry > s.MaxRetry {
			s.state = StateFailed
			s.mu.Unlock()
			s.Log.Error("retry budget exhausted", "attempts", retry-1)
			return
		}
		s.state = StateDegraded
		s.mu.Unlock()

		s.Log.Warn("link lost, reconnecting", "attempt", retry, "budget", s.MaxRetry)
		if err := s.Radio.Connect(); err != nil {
			s.Log.Warn("reconnect failed", "error", err)
		}
	}
}

// SetCredentials validates, persists, and applies new credentials,
// resetting the retry budget and forcing a fresh association. This is
// the commissioning entrypoint.
func (s *Supervisor) SetCredentials(ssid, psk string) error {
	creds := Credentials{SSID: ssid, PSK: psk}
	if err := creds.Validate(); err != nil {
		return err
	}
	if err := s.Store.SaveValue(CredentialsKey, creds); err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}
	if err := s.Radio.Configure(creds); err != nil {
		return fmt.Errorf("configuring radio: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.retryCount = 0
	s.haveCreds = true
	s.mu.Unlock()

	s.Log.Info("credentials replaced, reconnecting")
	if err := s.Radio.Disconnect(); err != nil {
		s.Log.Debug("disconnect before reconnect", "error", err)
	}
	if err := s.Radio.Connect(); err != nil {
		s.Log.Warn("connect with new credentials failed", "error", err)
	}

	select {
	case s.reconfigured <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HaveCredentials reports whether credentials are stored.
func (s *Supervisor) HaveCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveCreds
}

// StableSince returns the instant of the most recent down-to-up
// transition. A zero time with ok=false means the link is down; the
// commissioning arbiter reads this to measure stability windows.
func (s *Supervisor) StableSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stableSince.IsZero() {
		return time.Time{}, false
	}
	return s.stableSince, true
}

// RSSI reports current signal strength, when the radio is associated.
func (s *Supervisor) RSSI() (int, bool) {
	return s.Radio.RSSI()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
