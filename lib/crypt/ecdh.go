// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PublicKeySize is the length of an uncompressed X9.62 P-256 public
// key: 0x04 prefix plus two 32-byte coordinates.
const PublicKeySize = 65

// SharedSecretSize is the length of a P-256 ECDH shared secret.
const SharedSecretSize = 32

// EphemeralKey is a single-use P-256 keypair for the commissioning
// handshake. Generate one per handshake and discard it afterwards.
type EphemeralKey struct {
	private *ecdh.PrivateKey
}

// NewEphemeralKey generates a fresh P-256 keypair.
func NewEphemeralKey() (*EphemeralKey, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral key: %v", ErrCrypto, err)
	}
	return &EphemeralKey{private: private}, nil
}

// PublicBytes returns the public key in uncompressed X9.62 form
// (65 bytes, leading 0x04).
func (k *EphemeralKey) PublicBytes() []byte {
	return k.private.PublicKey().Bytes()
}

// SharedSecret computes the raw ECDH shared secret with the peer's
// uncompressed public key. The peer key is validated to be a point on
// the curve; a malformed key returns ErrInvalidArgument.
func (k *EphemeralKey) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != PublicKeySize {
		return nil, fmt.Errorf("%w: peer public key is %d bytes, want %d",
			ErrInvalidArgument, len(peerPublic), PublicKeySize)
	}
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing peer public key: %v", ErrInvalidArgument, err)
	}
	secret, err := k.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: computing shared secret: %v", ErrCrypto, err)
	}
	return secret, nil
}

// DeriveKey runs HKDF-SHA256 over ikm with the given salt and info
// and returns length output bytes. The commissioning session binds
// the proof-of-possession string through info, so two parties derive
// the same key only when they agree on the PoP.
func DeriveKey(salt, ikm, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: non-positive derive length", ErrInvalidArgument)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", ErrCrypto, err)
	}
	return out, nil
}
