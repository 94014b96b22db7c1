// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/verdant-foundation/verdant/lib/trustroot"
	"github.com/verdant-foundation/verdant/store"
)

// Status values persisted under StatusKey and reported through the
// shadow.
const (
	StatusOK       = "ok"
	StatusPending  = "pending"
	StatusReverted = "reverted"
	StatusFailed   = "failed"
)

// Resetter requests a device reset after a committed update.
type Resetter interface {
	Reset(reason string)
}

// Pipeline executes update jobs one at a time. Submit enqueues a
// manifest; Run verifies, downloads, and commits.
type Pipeline struct {
	Store *store.Store
	Slots Slots
	Root  *trustroot.Blob
	Reset Resetter

	// Audit receives one line per notable outcome. May be nil.
	Audit func(format string, args ...any)

	Log *slog.Logger

	// Client overrides the pinned HTTPS client, for tests.
	Client *http.Client

	jobs chan Manifest
}

// Init prepares the job queue. Call before Submit or Run.
func (p *Pipeline) Init() {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	p.Log = p.Log.With("component", "update")
	// One slot: a manifest submitted while another is in flight waits
	// for it; a further manifest is refused while that slot is full.
	p.jobs = make(chan Manifest, 1)
}

// Submit parses and enqueues a manifest for processing. When a
// manifest is already waiting in the queue, Submit returns an error
// immediately; a job in flight alone does not cause a refusal.
func (p *Pipeline) Submit(manifestJSON []byte) error {
	manifest, err := ParseManifest(manifestJSON)
	if err != nil {
		p.audit("update rejected: %v", err)
		return err
	}
	select {
	case p.jobs <- manifest:
		return nil
	default:
		return errors.New("update: job already in progress")
	}
}

// Run processes jobs until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case manifest := <-p.jobs:
			if err := p.apply(ctx, manifest); err != nil {
				p.Log.Error("update failed", "version", manifest.Version, "error", err)
				p.audit("update failed: version=%d err=%v", manifest.Version, err)
				p.setStatus(StatusFailed)
			}
		}
	}
}

// apply runs one update end to end. Every failure before the commit
// leaves the previous slot untouched.
func (p *Pipeline) apply(ctx context.Context, manifest Manifest) error {
	expectedDigest, err := manifest.Verify(p.Root)
	if err != nil {
		return err
	}
	p.Log.Info("manifest verified", "version", manifest.Version)

	current, err := p.Store.LoadUint32(VersionKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading anti-rollback version: %w", err)
	}
	if err := CheckVersion(current, manifest); err != nil {
		return err
	}

	writer, err := p.Slots.BeginWrite()
	if err != nil {
		return fmt.Errorf("%w: opening slot: %v", ErrCommitFailed, err)
	}

	client := p.Client
	if client == nil {
		client = newImageClient(p.Root)
	}
	computedDigest, written, err := fetchImage(ctx, client, manifest.URL, writer)
	if err != nil {
		writer.Abort()
		return err
	}
	if computedDigest != expectedDigest {
		writer.Abort()
		return fmt.Errorf("%w: image hashed to %x", ErrDigestMismatch, computedDigest)
	}
	if err := writer.Commit(); err != nil {
		return fmt.Errorf("%w: sealing slot: %v", ErrCommitFailed, err)
	}
	p.Log.Info("image verified", "bytes", written)

	// Commit order: arm the slot, bump the anti-rollback version,
	// then reset. A crash after the bump but before the reset only
	// strengthens anti-rollback.
	if err := p.Slots.MarkPendingBoot(); err != nil {
		return fmt.Errorf("%w: arming slot: %v", ErrCommitFailed, err)
	}
	if err := p.Store.SaveUint32(VersionKey, manifest.Version); err != nil {
		return fmt.Errorf("%w: persisting version: %v", ErrCommitFailed, err)
	}
	p.setStatus(StatusPending)

	p.audit("update committed: version=%d bytes=%d", manifest.Version, written)
	p.Log.Info("update committed, requesting reset", "version", manifest.Version)
	if p.Reset != nil {
		p.Reset.Reset(fmt.Sprintf("firmware update to version %d", manifest.Version))
	}
	return nil
}

// ConfirmFirstBoot is called once at startup. It settles the previous
// update: a pending slot that booted successfully is confirmed
// (canceling the automatic revert) and a revert by the boot layer is
// recorded for the shadow.
func (p *Pipeline) ConfirmFirstBoot() {
	if p.Slots.PendingReverted() {
		p.Log.Warn("previous update was reverted by the boot layer")
		p.audit("update reverted by boot layer")
		p.setStatus(StatusReverted)
		return
	}
	if err := p.Slots.ConfirmBoot(); err != nil {
		p.Log.Error("confirming boot slot", "error", err)
		return
	}
	var status string
	if err := p.Store.LoadValue(StatusKey, &status); err == nil && status == StatusPending {
		p.audit("update confirmed")
		p.setStatus(StatusOK)
	}
}

// Status returns the persisted last-update status.
func (p *Pipeline) Status() string {
	var status string
	if err := p.Store.LoadValue(StatusKey, &status); err != nil {
		return ""
	}
	return status
}

func (p *Pipeline) setStatus(status string) {
	if err := p.Store.SaveValue(StatusKey, status); err != nil {
		p.Log.Warn("persisting update status", "error", err)
	}
}

func (p *Pipeline) audit(format string, args ...any) {
	if p.Audit != nil {
		p.Audit(format, args...)
	}
}
