// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypttest generates throwaway certificate hierarchies for
// tests of the update pipeline and the cloud client: a self-signed CA,
// leaf certificates chained to it, and ECDSA signatures in the form
// the manifest scheme uses.
package crypttest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Identity is a certificate plus its private key.
type Identity struct {
	CertDER []byte
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
}

// NewCA generates a self-signed ECDSA P-256 CA certificate.
func NewCA(t *testing.T, commonName string) *Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	return &Identity{CertDER: der, Cert: cert, Key: key}
}

// NewLeaf generates a certificate signed by the given CA.
func NewLeaf(t *testing.T, ca *Identity, commonName string) *Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		t.Fatalf("creating leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing leaf certificate: %v", err)
	}
	return &Identity{CertDER: der, Cert: cert, Key: key}
}

// SignDigest produces the manifest-style signature: ASN.1 DER ECDSA
// over the raw 32 digest bytes.
func SignDigest(t *testing.T, identity *Identity, digest []byte) []byte {
	t.Helper()
	signature, err := ecdsa.SignASN1(rand.Reader, identity.Key, digest)
	if err != nil {
		t.Fatalf("signing digest: %v", err)
	}
	return signature
}

// KeyDER returns the identity's private key in PKCS#8 DER, the form
// the trust-root blob stores the device key in.
func KeyDER(t *testing.T, identity *Identity) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(identity.Key)
	if err != nil {
		t.Fatalf("marshaling private key: %v", err)
	}
	return der
}
