// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the single serialized path every actuator change
// passes through. Producers (schedule engine, local radio session,
// cloud client, safety watchdog) submit immutable command records to
// one bounded queue; the pipeline is the sole consumer and the sole
// writer of the output peripheral. Safety commands jump the queue
// through an urgent slot that is never dropped and never coalesced.
package control

import "time"

// Actor is the logical origin of a command. It determines audit
// attribution and whether the command takes the urgent path.
type Actor uint8

const (
	ActorUnknown Actor = iota
	ActorLocalRadio
	ActorSchedule
	ActorSafety
	ActorCloud
)

func (a Actor) String() string {
	switch a {
	case ActorLocalRadio:
		return "local-radio"
	case ActorSchedule:
		return "schedule"
	case ActorSafety:
		return "safety"
	case ActorCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// Command is one requested actuator state. Values are clamped at
// ingest; a zero Ramp means a hard transition.
type Command struct {
	// Actor identifies the producer.
	Actor Actor

	// Seq is a producer-scoped monotonic sequence number. The local
	// radio session uses its anti-replay counter here.
	Seq uint32

	// Timestamp is seconds since the Unix epoch at construction.
	Timestamp int64

	// LightPercent and PumpPercent are the requested duty
	// percentages, 0–100.
	LightPercent uint8
	PumpPercent  uint8

	// Ramp is the transition duration; zero applies instantly.
	Ramp time.Duration
}

// Clamped returns the command with percent fields limited to 100.
func (c Command) Clamped() Command {
	if c.LightPercent > 100 {
		c.LightPercent = 100
	}
	if c.PumpPercent > 100 {
		c.PumpPercent = 100
	}
	return c
}

// Urgent reports whether the command takes the preemption path.
func (c Command) Urgent() bool { return c.Actor == ActorSafety }

// ShutdownCommand builds the urgent all-off command the safety path
// submits: both outputs zero, no ramp.
func ShutdownCommand(now time.Time) Command {
	return Command{
		Actor:     ActorSafety,
		Timestamp: now.Unix(),
	}
}

// RampSteps returns the number of uniform software steps needed to
// spread a ramp over stepInterval-sized updates, rounding up. Zero
// ramp means a hard transition with no steps.
func RampSteps(ramp, stepInterval time.Duration) int {
	if ramp <= 0 || stepInterval <= 0 {
		return 0
	}
	return int((ramp + stepInterval - 1) / stepInterval)
}
