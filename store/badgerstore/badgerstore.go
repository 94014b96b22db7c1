// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package badgerstore backs the durable store with an embedded Badger
// database. Badger gives the controller the same guarantees NVS gives
// the firmware: a wear-conscious, crash-safe key-value namespace that
// survives power loss mid-write.
//
// Open mirrors the firmware's recovery rule: if the database fails to
// open because the on-disk state is unusable, the directory is erased
// and reinitialized rather than leaving the device bootlooping on a
// corrupt namespace. The store's CRC/spare copies live in the same
// database, so an erase loses every stored key, but never the
// ability to boot.
package badgerstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/verdant-foundation/verdant/store"
)

// Backend implements store.Backend on Badger.
type Backend struct {
	db *badger.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens (or creates) the database in dir. An unusable database
// is erased and recreated once; a second failure is returned.
func Open(dir string, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	options := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithValueLogFileSize(16 << 20).
		WithIndexCacheSize(8 << 20)

	db, err := badger.Open(options)
	if err != nil {
		log.Warn("store database unusable, erasing and reinitializing",
			"dir", dir, "error", err)
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			return nil, fmt.Errorf("erasing store directory %s: %w", dir, removeErr)
		}
		db, err = badger.Open(options)
		if err != nil {
			return nil, fmt.Errorf("reopening store in %s: %w", dir, err)
		}
	}
	return &Backend{db: db}, nil
}

// Get implements store.Backend.
func (b *Backend) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements store.Backend.
func (b *Backend) Set(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete implements store.Backend.
func (b *Backend) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close implements store.Backend.
func (b *Backend) Close() error { return b.db.Close() }
