// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "sync"

// MemBackend is an in-memory Backend for tests. It can corrupt or
// drop individual entries to exercise the repair paths.
type MemBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{entries: make(map[string][]byte)}
}

// Get implements Backend.
func (m *MemBackend) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry))
	copy(out, entry)
	return out, nil
}

// Set implements Backend.
func (m *MemBackend) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := make([]byte, len(value))
	copy(entry, value)
	m.entries[key] = entry
	return nil
}

// Delete implements Backend.
func (m *MemBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close implements Backend.
func (m *MemBackend) Close() error { return nil }

// Corrupt flips a byte in the stored entry for key, simulating flash
// decay. Reports whether the key existed.
func (m *MemBackend) Corrupt(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || len(entry) == 0 {
		return false
	}
	entry[0] ^= 0xFF
	return true
}

// Drop removes a single raw entry (primary or spare) without touching
// its counterpart.
func (m *MemBackend) Drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
