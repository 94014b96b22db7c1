// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable configuration store: small opaque
// blobs keyed by short names, each carried twice (primary plus a hot
// spare) with a CRC32 integrity trailer. A torn write or a corrupted
// primary is repaired transparently from the spare on the next load;
// only when both copies fail does the caller see an error.
//
// The backing medium is a Backend — a wear-leveled key-value
// namespace supplied externally. Production uses the Badger backend
// in store/badgerstore; tests use the in-memory backend in this
// package, which can corrupt entries on demand.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/verdant-foundation/verdant/lib/codec"
)

// MaxKeyLen bounds user keys. The spare suffix must still fit within
// the backend's key budget.
const MaxKeyLen = 32

// spareSuffix marks the hot-spare copy of a key.
const spareSuffix = "_bak"

// Sentinel errors.
var (
	// ErrNotFound: neither copy of the key exists.
	ErrNotFound = errors.New("store: not found")

	// ErrIntegrity: both copies exist but neither passes its CRC.
	ErrIntegrity = errors.New("store: both copies corrupt")

	// ErrBackend wraps failures of the underlying medium.
	ErrBackend = errors.New("store: backend failure")

	// ErrInvalidArgument: bad key or empty payload.
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// Backend is the external key-value namespace. Get returns
// ErrNotFound for absent keys; all other errors are treated as medium
// failures.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Store layers the CRC/spare discipline over a Backend.
type Store struct {
	backend Backend
	log     *slog.Logger
}

// New wraps backend. A nil logger defaults to slog.Default.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log.With("component", "store")}
}

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

// SpareKey returns the hot-spare key for a user key.
func SpareKey(key string) string { return key + spareSuffix }

func validKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key %q", ErrInvalidArgument, key)
	}
	return nil
}

// seal appends the little-endian CRC32-IEEE of payload.
func seal(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(payload))
}

// unseal validates and strips the CRC trailer.
func unseal(entry []byte) ([]byte, bool) {
	if len(entry) <= 4 {
		return nil, false
	}
	payload := entry[:len(entry)-4]
	stored := binary.LittleEndian.Uint32(entry[len(entry)-4:])
	if crc32.ChecksumIEEE(payload) != stored {
		return nil, false
	}
	return payload, true
}

// Save writes payload under key: the spare entry first, then the
// primary. If the device dies between the two writes, the primary
// still holds the previous value, or is absent and the next Load
// repairs it from the spare; if it dies during the primary write, the
// torn primary fails its CRC and the next Load repairs it from the
// spare.
func (s *Store) Save(key string, payload []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %q", ErrInvalidArgument, key)
	}

	entry := seal(payload)
	if err := s.backend.Set(SpareKey(key), entry); err != nil {
		return fmt.Errorf("%w: writing spare for %q: %v", ErrBackend, key, err)
	}
	if err := s.backend.Set(key, entry); err != nil {
		return fmt.Errorf("%w: writing primary for %q: %v", ErrBackend, key, err)
	}
	return nil
}

// Load reads the payload for key. The primary is tried first; if it
// is absent or fails its CRC, the spare is consulted and, when valid,
// written back over the primary before returning. When both copies
// are present but corrupt, Load returns ErrIntegrity; when neither
// exists, ErrNotFound.
func (s *Store) Load(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	primary, primaryErr := s.backend.Get(key)
	if primaryErr == nil {
		if payload, ok := unseal(primary); ok {
			return payload, nil
		}
		s.log.Warn("primary copy corrupt, trying spare", "key", key)
	} else if !errors.Is(primaryErr, ErrNotFound) {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrBackend, key, primaryErr)
	}

	spare, spareErr := s.backend.Get(SpareKey(key))
	if spareErr != nil {
		if errors.Is(spareErr, ErrNotFound) {
			if primaryErr == nil {
				// Primary existed but was corrupt, and there is
				// no spare to repair from.
				return nil, fmt.Errorf("%w: %q", ErrIntegrity, key)
			}
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: reading spare for %q: %v", ErrBackend, key, spareErr)
	}

	payload, ok := unseal(spare)
	if !ok {
		if primaryErr == nil {
			return nil, fmt.Errorf("%w: %q", ErrIntegrity, key)
		}
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	// The spare saved us; put the primary back in order.
	if err := s.backend.Set(key, seal(payload)); err != nil {
		s.log.Warn("repairing primary failed", "key", key, "error", err)
	} else {
		s.log.Info("repaired primary from spare", "key", key)
	}
	return payload, nil
}

// Delete removes both copies of key. Missing entries are not an
// error.
func (s *Store) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.backend.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: deleting %q: %v", ErrBackend, key, err)
	}
	if err := s.backend.Delete(SpareKey(key)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: deleting spare for %q: %v", ErrBackend, key, err)
	}
	return nil
}

// SaveUint32 stores v in little-endian form under key.
func (s *Store) SaveUint32(key string, v uint32) error {
	return s.Save(key, binary.LittleEndian.AppendUint32(nil, v))
}

// LoadUint32 reads a value stored with SaveUint32.
func (s *Store) LoadUint32(key string) (uint32, error) {
	payload, err := s.Load(key)
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: %q holds %d bytes, want 4", ErrIntegrity, key, len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// SaveUint64 stores v in little-endian form under key.
func (s *Store) SaveUint64(key string, v uint64) error {
	return s.Save(key, binary.LittleEndian.AppendUint64(nil, v))
}

// LoadUint64 reads a value stored with SaveUint64.
func (s *Store) LoadUint64(key string) (uint64, error) {
	payload, err := s.Load(key)
	if err != nil {
		return 0, err
	}
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: %q holds %d bytes, want 8", ErrIntegrity, key, len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// SaveValue stores v as deterministic CBOR under key.
func (s *Store) SaveValue(key string, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding %q: %v", ErrInvalidArgument, key, err)
	}
	return s.Save(key, payload)
}

// LoadValue decodes the CBOR payload stored under key into out.
func (s *Store) LoadValue(key string, out any) error {
	payload, err := s.Load(key)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decoding %q: %v", ErrIntegrity, key, err)
	}
	return nil
}
