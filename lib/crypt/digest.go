// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// DigestSize is the length of a SHA-256 digest.
const DigestSize = 32

// Digest computes the SHA-256 digest of data in one shot.
func Digest(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// NewDigest returns a streaming SHA-256 hasher. The update pipeline
// feeds downloaded image chunks through it so the whole image never
// has to sit in memory.
func NewDigest() hash.Hash {
	return sha256.New()
}

// FormatDigest hex-encodes a digest. This is the canonical form used
// in manifests, audit lines, and logs.
func FormatDigest(digest [DigestSize]byte) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest decodes a 64-character hex digest. Case-insensitive.
func ParseDigest(hexDigest string) ([DigestSize]byte, error) {
	var digest [DigestSize]byte
	if len(hexDigest) != 2*DigestSize {
		return digest, fmt.Errorf("%w: digest is %d hex chars, want %d",
			ErrInvalidArgument, len(hexDigest), 2*DigestSize)
	}
	decoded, err := hex.DecodeString(hexDigest)
	if err != nil {
		return digest, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	copy(digest[:], decoded)
	return digest, nil
}
