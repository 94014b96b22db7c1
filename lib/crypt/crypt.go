// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypt bundles the cryptographic operations the controller
// needs: P-256 key agreement and session-key derivation for the local
// commissioning channel, AES-256-GCM framing for sealed control
// messages, and digest/signature/chain verification for the update
// pipeline.
//
// The package wraps the standard library primitives behind the small
// surface the rest of the code uses, with a uniform error taxonomy:
// ErrInvalidArgument for malformed inputs, ErrAuth for failed
// authentication (AEAD tag, signature), ErrCrypto for everything else.
package crypt

import "errors"

// Sentinel errors. Callers match with errors.Is.
var (
	ErrInvalidArgument = errors.New("crypt: invalid argument")
	ErrAuth            = errors.New("crypt: authentication failed")
	ErrCrypto          = errors.New("crypt: operation failed")
)
