// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package station

import "sync"

// FakeRadio is the test Radio. Tests deliver link transitions with
// ReportConnected/ReportDisconnected and observe Configure/Connect
// calls.
type FakeRadio struct {
	mu         sync.Mutex
	configured []Credentials
	connects   int
	rssi       int
	associated bool
	events     chan LinkEvent
}

// NewFakeRadio returns a fake radio with a buffered event channel.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{events: make(chan LinkEvent, 16), rssi: -127}
}

// Configure implements Radio.
func (f *FakeRadio) Configure(creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = append(f.configured, creds)
	return nil
}

// Connect implements Radio.
func (f *FakeRadio) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

// Disconnect implements Radio.
func (f *FakeRadio) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associated = false
	return nil
}

// RSSI implements Radio.
func (f *FakeRadio) RSSI() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rssi, f.associated
}

// Events implements Radio.
func (f *FakeRadio) Events() <-chan LinkEvent { return f.events }

// ReportConnected delivers a link-up event.
func (f *FakeRadio) ReportConnected(rssi int) {
	f.mu.Lock()
	f.associated = true
	f.rssi = rssi
	f.mu.Unlock()
	f.events <- LinkConnected
}

// ReportDisconnected delivers a link-down event.
func (f *FakeRadio) ReportDisconnected() {
	f.mu.Lock()
	f.associated = false
	f.mu.Unlock()
	f.events <- LinkDisconnected
}

// Configured returns the credentials applied so far.
func (f *FakeRadio) Configured() []Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Credentials, len(f.configured))
	copy(out, f.configured)
	return out
}

// Connects returns the number of Connect calls.
func (f *FakeRadio) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}
