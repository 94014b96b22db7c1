// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package station supervises the Wi-Fi link: it applies stored
// credentials, tracks connection state through a bounded retry
// budget, and owns the wifi_up and time_synced link bits. The radio
// itself is an injected Radio collaborator; this package only decides
// when to connect, when to give up, and what the rest of the system
// is told about the link.
package station

import (
	"errors"
	"fmt"
)

// CredentialsKey is the durable-store key for Wi-Fi credentials.
const CredentialsKey = "wifi_creds"

// Credential field bounds, matching the station firmware limits.
const (
	maxSSIDLen = 32
	maxPSKLen  = 64
)

// ErrInvalidCredentials is returned for an empty or oversized SSID or
// an oversized PSK.
var ErrInvalidCredentials = errors.New("station: invalid credentials")

// Credentials is the stored station configuration.
type Credentials struct {
	SSID string `cbor:"ssid"`
	PSK  string `cbor:"psk"`
}

// Validate checks field bounds.
func (c Credentials) Validate() error {
	if c.SSID == "" || len(c.SSID) > maxSSIDLen {
		return fmt.Errorf("%w: ssid length %d", ErrInvalidCredentials, len(c.SSID))
	}
	if len(c.PSK) > maxPSKLen {
		return fmt.Errorf("%w: psk length %d", ErrInvalidCredentials, len(c.PSK))
	}
	return nil
}

// LinkEvent is a radio notification.
type LinkEvent int

const (
	// LinkConnected: the station obtained connectivity.
	LinkConnected LinkEvent = iota

	// LinkDisconnected: the station lost connectivity.
	LinkDisconnected
)

// Radio is the Wi-Fi collaborator. Implementations wrap the actual
// supplicant; the fake in this package drives tests.
type Radio interface {
	// Configure installs credentials for subsequent Connect calls.
	Configure(creds Credentials) error

	// Connect begins an association attempt. Completion is reported
	// through Events.
	Connect() error

	// Disconnect tears the link down.
	Disconnect() error

	// RSSI reports the current signal strength, when associated.
	RSSI() (int, bool)

	// Events delivers link transitions.
	Events() <-chan LinkEvent
}

// TimeSource reports wall-clock synchronization. Synced is closed
// once the clock is trustworthy. A nil TimeSource makes the
// supervisor declare sync on first link-up, matching deployments
// without an SNTP collaborator.
type TimeSource interface {
	Synced() <-chan struct{}
}
