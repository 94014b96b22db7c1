// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package update is the firmware-update pipeline: signed manifest
// verification, anti-rollback version policy, a streamed image fetch
// hashed into the inactive slot, and an atomic commit that the boot
// collaborator reverts when the new image fails to confirm.
package update

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/verdant-foundation/verdant/lib/crypt"
	"github.com/verdant-foundation/verdant/lib/trustroot"
)

// VersionKey is the durable-store key of the anti-rollback version.
const VersionKey = "ota_version"

// StatusKey is the durable-store key of the last update outcome,
// reported through the cloud shadow.
const StatusKey = "ota_status"

// Failure taxonomy. Every abort path maps onto exactly one of these;
// all of them leave the device running the previous slot.
var (
	ErrManifestInvalid    = errors.New("update: manifest invalid")
	ErrSignatureInvalid   = errors.New("update: signature invalid")
	ErrChainInvalid       = errors.New("update: signer chain invalid")
	ErrKeyIDMismatch      = errors.New("update: signer key-id mismatch")
	ErrVersionRejected    = errors.New("update: version rejected")
	ErrDownloadIncomplete = errors.New("update: download incomplete")
	ErrDigestMismatch     = errors.New("update: image digest mismatch")
	ErrCommitFailed       = errors.New("update: commit failed")
	ErrUnauthorized       = errors.New("update: no trusted signer")
)

// Manifest describes one firmware release.
type Manifest struct {
	URL       string `json:"url"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	Version   uint32 `json:"version"`

	// MinRequired, when non-zero, marks the release mandatory for
	// devices below it, overriding the equal-version rejection.
	MinRequired uint32 `json:"min_required,omitempty"`

	// SignerCertB64 optionally carries the signer certificate (DER,
	// base64). It must chain to a trust-root CA.
	SignerCertB64 string `json:"signer_cert_b64,omitempty"`

	// SignerKeyIDHex optionally pins the signer: the SHA-256 of the
	// certificate DER, hex, compared case-insensitively.
	SignerKeyIDHex string `json:"signer_keyid_hex,omitempty"`

	AllowRollback bool `json:"allow_rollback,omitempty"`
}

// ParseManifest decodes and structurally validates a manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if manifest.URL == "" || manifest.Digest == "" || manifest.Signature == "" {
		return Manifest{}, fmt.Errorf("%w: missing required field", ErrManifestInvalid)
	}
	if manifest.Version == 0 {
		return Manifest{}, fmt.Errorf("%w: missing version", ErrManifestInvalid)
	}
	return manifest, nil
}

// Verify checks the manifest's digest format and signature against
// the trust root and returns the decoded digest.
//
// Signer resolution: a manifest-supplied certificate must chain to a
// trust-root CA and, when a key-id is pinned, hash to it. Without a
// manifest certificate the trust-root device certificate signs;
// without either, the manifest is unauthorized.
func (m Manifest) Verify(root *trustroot.Blob) ([crypt.DigestSize]byte, error) {
	var zero [crypt.DigestSize]byte

	digest, err := crypt.ParseDigest(m.Digest)
	if err != nil {
		return zero, fmt.Errorf("%w: digest: %v", ErrManifestInvalid, err)
	}
	signature, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return zero, fmt.Errorf("%w: signature base64: %v", ErrManifestInvalid, err)
	}

	signer, err := m.resolveSigner(root)
	if err != nil {
		return zero, err
	}

	if err := crypt.VerifyDigestSignature(signer, digest[:], signature); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return digest, nil
}

func (m Manifest) resolveSigner(root *trustroot.Blob) (*x509.Certificate, error) {
	if m.SignerCertB64 != "" {
		der, err := base64.StdEncoding.DecodeString(m.SignerCertB64)
		if err != nil {
			return nil, fmt.Errorf("%w: signer cert base64: %v", ErrManifestInvalid, err)
		}
		cert, err := crypt.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: signer cert: %v", ErrManifestInvalid, err)
		}

		if m.SignerKeyIDHex != "" {
			keyID := crypt.Digest(der)
			if !strings.EqualFold(crypt.FormatDigest(keyID), m.SignerKeyIDHex) {
				return nil, ErrKeyIDMismatch
			}
		}

		if root == nil || len(root.CAs) == 0 {
			return nil, fmt.Errorf("%w: no CA to verify signer against", ErrChainInvalid)
		}
		if err := crypt.VerifyChain(cert, root.CAs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainInvalid, err)
		}
		return cert, nil
	}

	if root != nil && len(root.DeviceCert) > 0 {
		cert, err := crypt.ParseCertificate(root.DeviceCert)
		if err != nil {
			return nil, fmt.Errorf("%w: trust-root device cert: %v", ErrManifestInvalid, err)
		}
		return cert, nil
	}
	return nil, ErrUnauthorized
}
