// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package commission

// The anti-replay window: a 64-bit bitmap anchored at the highest
// accepted counter. Bit i set means counter C−i was accepted; the
// least-significant bit therefore always corresponds to the anchor
// itself.

// windowAdmit applies the replay rules to an incoming counter against
// the current (counter, window) pair and returns the updated pair.
// The caller must persist the updated pair before acting on the frame.
func windowAdmit(counter uint32, window uint64, incoming uint32) (newCounter uint32, newWindow uint64, ok bool) {
	if incoming > counter {
		delta := incoming - counter
		if delta >= 64 {
			// The whole window scrolled past; only the new
			// anchor is marked seen.
			return incoming, 1, true
		}
		return incoming, (window << delta) | 1, true
	}

	back := counter - incoming
	if back >= 64 {
		// Older than anything the window can vouch for.
		return counter, window, false
	}
	mask := uint64(1) << back
	if window&mask != 0 {
		// Already accepted once.
		return counter, window, false
	}
	return counter, window | mask, true
}
