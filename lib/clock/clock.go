// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the controller tasks. Production
// code injects Real(); tests inject Fake() and drive time forward
// deterministically with Advance.
//
// Every task that sleeps, ticks, or reads the wall clock takes a
// Clock instead of calling the time package directly. This is what
// makes the commissioning windows, retry budgets, and schedule
// boundaries testable without real waiting.
package clock

import "time"

// Clock is the time source injected into every task.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics
	// if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it. The
// channel has capacity 1; ticks are dropped, not queued, when the
// consumer falls behind (matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop
// returns. C is not closed.
func (t *Ticker) Stop() { t.stop() }
