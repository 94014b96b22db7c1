// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/verdant-foundation/verdant/lib/crypt"
	"github.com/verdant-foundation/verdant/lib/crypt/crypttest"
	"github.com/verdant-foundation/verdant/lib/trustroot"
)

// releaseFixture is a signed manifest plus the trust root it chains
// to.
type releaseFixture struct {
	manifest Manifest
	root     *trustroot.Blob
	digest   [crypt.DigestSize]byte
}

// newRelease builds a release for the given image bytes, signed by a
// leaf chained to a fresh CA carried in the trust root.
func newRelease(t *testing.T, image []byte, version uint32) *releaseFixture {
	t.Helper()
	ca := crypttest.NewCA(t, "Verdant Release CA")
	signer := crypttest.NewLeaf(t, ca, "release-signer")
	digest := crypt.Digest(image)

	return &releaseFixture{
		manifest: Manifest{
			URL:           "https://updates.example/fw.bin",
			Digest:        crypt.FormatDigest(digest),
			Signature:     base64.StdEncoding.EncodeToString(crypttest.SignDigest(t, signer, digest[:])),
			Version:       version,
			SignerCertB64: base64.StdEncoding.EncodeToString(signer.CertDER),
		},
		root:   &trustroot.Blob{CAs: [][]byte{ca.CertDER}},
		digest: digest,
	}
}

func TestParseManifest(t *testing.T) {
	valid, err := json.Marshal(Manifest{
		URL: "https://u", Digest: "d", Signature: "s", Version: 2,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := ParseManifest(valid); err != nil {
		t.Errorf("ParseManifest(valid) = %v", err)
	}

	for name, body := range map[string]string{
		"not_json":    "nope",
		"missing_url": `{"digest":"d","signature":"s","version":1}`,
		"no_version":  `{"url":"u","digest":"d","signature":"s"}`,
	} {
		if _, err := ParseManifest([]byte(body)); !errors.Is(err, ErrManifestInvalid) {
			t.Errorf("%s: error = %v, want ErrManifestInvalid", name, err)
		}
	}
}

func TestVerifyValidManifest(t *testing.T) {
	release := newRelease(t, []byte("image"), 4)
	digest, err := release.manifest.Verify(release.root)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if digest != release.digest {
		t.Error("Verify returned the wrong digest")
	}
}

func TestVerifyRejectsBadDigestLength(t *testing.T) {
	release := newRelease(t, []byte("image"), 4)
	release.manifest.Digest = "abcd"
	if _, err := release.manifest.Verify(release.root); !errors.Is(err, ErrManifestInvalid) {
		t.Errorf("error = %v, want ErrManifestInvalid", err)
	}
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	release := newRelease(t, []byte("image"), 4)
	other := newRelease(t, []byte("other image"), 4)
	release.manifest.Signature = other.manifest.Signature
	if _, err := release.manifest.Verify(release.root); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("error = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyRejectsBrokenChain(t *testing.T) {
	release := newRelease(t, []byte("image"), 4)
	strangerCA := crypttest.NewCA(t, "Stranger CA")
	release.root = &trustroot.Blob{CAs: [][]byte{strangerCA.CertDER}}
	if _, err := release.manifest.Verify(release.root); !errors.Is(err, ErrChainInvalid) {
		t.Errorf("error = %v, want ErrChainInvalid", err)
	}
}

func TestVerifyKeyIDPin(t *testing.T) {
	release := newRelease(t, []byte("image"), 4)

	// Correct pin, uppercased: comparison is case-insensitive.
	der, err := base64.StdEncoding.DecodeString(release.manifest.SignerCertB64)
	if err != nil {
		t.Fatalf("decoding signer cert: %v", err)
	}
	keyID := crypt.Digest(der)
	upper := ""
	for _, r := range crypt.FormatDigest(keyID) {
		if r >= 'a' && r <= 'f' {
			r = r - 'a' + 'A'
		}
		upper += string(r)
	}
	release.manifest.SignerKeyIDHex = upper
	if _, err := release.manifest.Verify(release.root); err != nil {
		t.Errorf("Verify with correct pin: %v", err)
	}

	// Wrong pin.
	wrong := crypt.Digest([]byte("not the cert"))
	release.manifest.SignerKeyIDHex = crypt.FormatDigest(wrong)
	if _, err := release.manifest.Verify(release.root); !errors.Is(err, ErrKeyIDMismatch) {
		t.Errorf("error = %v, want ErrKeyIDMismatch", err)
	}
}

func TestVerifyFallsBackToDeviceCert(t *testing.T) {
	// No signer cert in the manifest: the trust-root device cert
	// must have signed.
	ca := crypttest.NewCA(t, "Verdant CA")
	device := crypttest.NewLeaf(t, ca, "device")
	image := []byte("image")
	digest := crypt.Digest(image)

	manifest := Manifest{
		URL:       "https://updates.example/fw.bin",
		Digest:    crypt.FormatDigest(digest),
		Signature: base64.StdEncoding.EncodeToString(crypttest.SignDigest(t, device, digest[:])),
		Version:   2,
	}
	root := &trustroot.Blob{CAs: [][]byte{ca.CertDER}, DeviceCert: device.CertDER}
	if _, err := manifest.Verify(root); err != nil {
		t.Errorf("Verify with device cert: %v", err)
	}

	// Without any signer source the manifest is unauthorized.
	if _, err := manifest.Verify(&trustroot.Blob{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name     string
		current  uint32
		manifest Manifest
		wantErr  bool
	}{
		{"newer_accepted", 3, Manifest{Version: 4}, false},
		{"equal_rejected", 4, Manifest{Version: 4}, true},
		{"older_rejected", 5, Manifest{Version: 4}, true},
		{"rollback_allowed", 5, Manifest{Version: 4, AllowRollback: true}, false},
		{"min_required_forces_equal", 4, Manifest{Version: 4, MinRequired: 5}, false},
		{"min_required_satisfied_still_rejects_equal", 4, Manifest{Version: 4, MinRequired: 3}, true},
		{"fresh_device", 0, Manifest{Version: 1}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := CheckVersion(test.current, test.manifest)
			if (err != nil) != test.wantErr {
				t.Errorf("CheckVersion(%d, v%d) error = %v, wantErr %v",
					test.current, test.manifest.Version, err, test.wantErr)
			}
			if err != nil && !errors.Is(err, ErrVersionRejected) {
				t.Errorf("error = %v, want ErrVersionRejected", err)
			}
		})
	}
}
