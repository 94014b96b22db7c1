// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"sync"
	"time"
)

// Outputs is the PWM peripheral collaborator. Implementations program
// the two duty channels; the pipeline holds the only reference and
// serializes all calls.
type Outputs interface {
	// Apply programs both channels to the given percentages over
	// ramp. Implementations with hardware fade support honor ramp
	// themselves; others receive pre-computed steps with ramp 0.
	Apply(lightPercent, pumpPercent uint8, ramp time.Duration) error

	// HardwareRamp reports whether Apply performs the fade in
	// hardware. When false the pipeline interpolates in software.
	HardwareRamp() bool
}

// FakeOutputs records every Apply call for tests. It can fail on
// demand to exercise the pipeline's retry behavior.
type FakeOutputs struct {
	mu       sync.Mutex
	applied  []AppliedDuty
	hardware bool
	failNext error
}

// AppliedDuty is one recorded Apply call.
type AppliedDuty struct {
	LightPercent uint8
	PumpPercent  uint8
	Ramp         time.Duration
}

// NewFakeOutputs returns a fake peripheral. hardwareRamp selects
// which ramp strategy the pipeline uses against it.
func NewFakeOutputs(hardwareRamp bool) *FakeOutputs {
	return &FakeOutputs{hardware: hardwareRamp}
}

// Apply implements Outputs.
func (f *FakeOutputs) Apply(lightPercent, pumpPercent uint8, ramp time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.applied = append(f.applied, AppliedDuty{
		LightPercent: lightPercent,
		PumpPercent:  pumpPercent,
		Ramp:         ramp,
	})
	return nil
}

// HardwareRamp implements Outputs.
func (f *FakeOutputs) HardwareRamp() bool { return f.hardware }

// Applied returns the recorded calls.
func (f *FakeOutputs) Applied() []AppliedDuty {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AppliedDuty, len(f.applied))
	copy(out, f.applied)
	return out
}

// Last returns the most recent call, if any.
func (f *FakeOutputs) Last() (AppliedDuty, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return AppliedDuty{}, false
	}
	return f.applied[len(f.applied)-1], true
}

// FailNext makes the next Apply return err.
func (f *FakeOutputs) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}
