// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package update

import "fmt"

// CheckVersion applies the anti-rollback policy: a release no newer
// than the stored version is rejected unless the manifest allows
// rollback, except that a device below the release's min_required
// floor must take the update even at an equal version.
func CheckVersion(current uint32, m Manifest) error {
	if m.MinRequired != 0 && current < m.MinRequired {
		return nil
	}
	if !m.AllowRollback && m.Version <= current {
		return fmt.Errorf("%w: version %d not newer than %d", ErrVersionRejected, m.Version, current)
	}
	return nil
}
