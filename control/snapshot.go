// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"sync"
	"time"
)

// State is the last-applied actuator state.
type State struct {
	LightPercent uint8
	PumpPercent  uint8
	AppliedAt    time.Time
}

// Snapshot holds the last-applied actuator state. The pipeline is the
// only writer; any task may read.
type Snapshot struct {
	mu    sync.Mutex
	state State
}

// Get returns the current state.
func (s *Snapshot) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// set records a newly applied state. Called by the pipeline only,
// strictly after the peripheral has accepted the duty.
func (s *Snapshot) set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
