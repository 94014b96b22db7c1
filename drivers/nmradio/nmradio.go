// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package nmradio implements the station Radio over NetworkManager's
// nmcli, for single-board builds where the Wi-Fi supplicant is owned
// by the host OS. Connection state is polled; transitions are
// delivered on the Events channel the supervisor consumes.
package nmradio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/station"
)

// pollInterval is the device-state polling period.
const pollInterval = 2 * time.Second

// commandTimeout bounds each nmcli invocation.
const commandTimeout = 15 * time.Second

// connectionName is the NetworkManager profile the radio manages.
const connectionName = "verdant-sta"

// Radio drives one Wi-Fi interface through nmcli.
type Radio struct {
	iface string
	log   *slog.Logger

	mu        sync.Mutex
	creds     station.Credentials
	connected bool

	events chan station.LinkEvent
	cancel context.CancelFunc
}

// New starts a radio for the given interface (e.g. "wlan0") and
// begins polling its state.
func New(iface string, log *slog.Logger) *Radio {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	radio := &Radio{
		iface:  iface,
		log:    log.With("component", "nmradio"),
		events: make(chan station.LinkEvent, 16),
		cancel: cancel,
	}
	go radio.poll(ctx)
	return radio
}

// Close stops the polling loop.
func (r *Radio) Close() { r.cancel() }

// Configure implements station.Radio: it rewrites the managed
// connection profile with the new credentials.
func (r *Radio) Configure(creds station.Credentials) error {
	r.mu.Lock()
	r.creds = creds
	r.mu.Unlock()

	// Drop any previous profile; a stale PSK would shadow the new
	// one.
	runQuiet("nmcli", "connection", "delete", connectionName)

	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", r.iface,
		"con-name", connectionName,
		"autoconnect", "no",
		"ssid", creds.SSID,
	}
	if creds.PSK != "" {
		args = append(args,
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.psk", creds.PSK)
	}
	if out, err := run("nmcli", args...); err != nil {
		return fmt.Errorf("nmradio: creating profile: %v (%s)", err, strings.TrimSpace(out))
	}
	return nil
}

// Connect implements station.Radio.
func (r *Radio) Connect() error {
	if out, err := run("nmcli", "connection", "up", connectionName); err != nil {
		return fmt.Errorf("nmradio: bringing profile up: %v (%s)", err, strings.TrimSpace(out))
	}
	return nil
}

// Disconnect implements station.Radio.
func (r *Radio) Disconnect() error {
	if out, err := run("nmcli", "connection", "down", connectionName); err != nil {
		return fmt.Errorf("nmradio: bringing profile down: %v (%s)", err, strings.TrimSpace(out))
	}
	return nil
}

// RSSI implements station.Radio: signal strength of the active
// access point, mapped from nmcli's 0–100 scale onto dBm-ish values.
func (r *Radio) RSSI() (int, bool) {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return 0, false
	}
	out, err := run("nmcli", "-t", "-f", "IN-USE,SIGNAL", "device", "wifi", "list", "ifname", r.iface)
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, ":", 2)
		if len(fields) == 2 && fields[0] == "*" {
			if signal, err := strconv.Atoi(strings.TrimSpace(fields[1])); err == nil {
				// nmcli reports percent; approximate dBm.
				return signal/2 - 100, true
			}
		}
	}
	return 0, false
}

// Events implements station.Radio.
func (r *Radio) Events() <-chan station.LinkEvent { return r.events }

// poll watches device state and emits transitions.
func (r *Radio) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		connected := r.deviceConnected()
		r.mu.Lock()
		changed := connected != r.connected
		r.connected = connected
		r.mu.Unlock()
		if !changed {
			continue
		}

		event := station.LinkDisconnected
		if connected {
			event = station.LinkConnected
		}
		select {
		case r.events <- event:
		default:
			r.log.Warn("event channel full, dropping transition")
		}
	}
}

func (r *Radio) deviceConnected() bool {
	out, err := run("nmcli", "-t", "-f", "DEVICE,STATE", "device", "status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, ":", 2)
		if len(fields) == 2 && fields[0] == r.iface {
			return strings.HasPrefix(fields[1], "connected")
		}
	}
	return false
}

func run(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

func runQuiet(name string, args ...string) {
	run(name, args...)
}
