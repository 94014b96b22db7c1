// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
)

// DefaultStepInterval is the software-ramp step granularity used when
// the peripheral has no hardware fade support.
const DefaultStepInterval = 50 * time.Millisecond

// maxRampWait bounds the post-program wait for a hardware ramp so a
// stuck fade cannot stall the pipeline past the watchdog budget.
const maxRampWait = 30 * time.Second

// Pipeline consumes the command queue and drives the peripheral. It
// is the only writer of both the Outputs peripheral and the Snapshot.
type Pipeline struct {
	Queue    *Queue
	Outputs  Outputs
	Snapshot *Snapshot
	Clock    clock.Clock

	// StepInterval is the software-ramp granularity; zero selects
	// DefaultStepInterval.
	StepInterval time.Duration

	// Pet is called once per consumed command, and every 10 s while
	// the queue is empty, to feed the safety watchdog. May be nil.
	Pet func()

	// Audit receives one line per failed peripheral program. May be
	// nil.
	Audit func(format string, args ...any)

	Log *slog.Logger
}

// Run consumes commands until ctx is done. A peripheral failure skips
// the snapshot update so the state keeps reflecting what the hardware
// actually accepted; the next command retries from there.
func (p *Pipeline) Run(ctx context.Context) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "control")
	stepInterval := p.StepInterval
	if stepInterval <= 0 {
		stepInterval = DefaultStepInterval
	}

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		cmd, err := p.Queue.Receive(receiveCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Idle, not stalled: keep the watchdog fed.
			if p.Pet != nil {
				p.Pet()
			}
			continue
		}
		cmd = cmd.Clamped()

		log.Debug("applying command",
			"actor", cmd.Actor.String(),
			"seq", cmd.Seq,
			"light", cmd.LightPercent,
			"pump", cmd.PumpPercent,
			"ramp", cmd.Ramp)

		if err := p.apply(cmd, stepInterval); err != nil {
			log.Error("peripheral rejected command",
				"actor", cmd.Actor.String(), "error", err)
			if p.Audit != nil {
				p.Audit("control: apply failed actor=%s err=%v", cmd.Actor.String(), err)
			}
		} else {
			p.Snapshot.set(State{
				LightPercent: cmd.LightPercent,
				PumpPercent:  cmd.PumpPercent,
				AppliedAt:    p.Clock.Now(),
			})
		}

		if p.Pet != nil {
			p.Pet()
		}
	}
}

// apply programs one command, using the hardware fade when available
// and uniform software steps otherwise.
func (p *Pipeline) apply(cmd Command, stepInterval time.Duration) error {
	if cmd.Ramp <= 0 || p.Outputs.HardwareRamp() {
		if err := p.Outputs.Apply(cmd.LightPercent, cmd.PumpPercent, cmd.Ramp); err != nil {
			return err
		}
		if cmd.Ramp > 0 {
			wait := cmd.Ramp
			if wait > maxRampWait {
				wait = maxRampWait
			}
			p.Clock.Sleep(wait)
		}
		return nil
	}

	// Software ramp: interpolate both channels from the last applied
	// state in uniform steps.
	from := p.Snapshot.Get()
	steps := RampSteps(cmd.Ramp, stepInterval)
	for step := 1; step <= steps; step++ {
		light := interpolate(from.LightPercent, cmd.LightPercent, step, steps)
		pump := interpolate(from.PumpPercent, cmd.PumpPercent, step, steps)
		if err := p.Outputs.Apply(light, pump, 0); err != nil {
			return err
		}
		if step < steps {
			p.Clock.Sleep(stepInterval)
		}
	}
	return nil
}

// interpolate returns the duty for the given step of a uniform ramp.
func interpolate(from, to uint8, step, steps int) uint8 {
	if steps <= 0 || step >= steps {
		return to
	}
	delta := int(to) - int(from)
	return uint8(int(from) + delta*step/steps)
}

// SafetyShutdown enqueues the urgent all-off command. It is the
// preempt entrypoint every invariant violation funnels through; the
// command bypasses the normal lane and is never dropped.
func SafetyShutdown(queue *Queue, now time.Time) {
	queue.Submit(ShutdownCommand(now))
}
