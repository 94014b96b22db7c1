// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
)

// ParseCertificate parses a DER certificate.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", ErrInvalidArgument, err)
	}
	return cert, nil
}

// VerifyDigestSignature checks an ASN.1 DER ECDSA signature computed
// directly over the 32 raw digest bytes (the digest stands in as the
// message hash, matching the manifest signing scheme). Returns ErrAuth
// on mismatch.
func VerifyDigestSignature(cert *x509.Certificate, digest []byte, signatureDER []byte) error {
	public, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signer key is %T, want ECDSA", ErrInvalidArgument, cert.PublicKey)
	}
	if len(digest) != DigestSize {
		return fmt.Errorf("%w: digest is %d bytes, want %d", ErrInvalidArgument, len(digest), DigestSize)
	}
	if !ecdsa.VerifyASN1(public, digest, signatureDER) {
		return ErrAuth
	}
	return nil
}

// VerifyChain verifies that leaf chains to one of the DER-encoded CA
// certificates. Intermediates are not supported: the trust-root blob
// installs the issuing CA directly.
func VerifyChain(leaf *x509.Certificate, caDERs [][]byte) error {
	if len(caDERs) == 0 {
		return fmt.Errorf("%w: no CA certificates", ErrInvalidArgument)
	}
	roots := x509.NewCertPool()
	parsedAny := false
	for _, der := range caDERs {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		roots.AddCert(ca)
		parsedAny = true
	}
	if !parsedAny {
		return fmt.Errorf("%w: no parseable CA certificates", ErrInvalidArgument)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots: roots,
		// Manufacturing certs do not carry server/client EKUs.
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: chain verification: %v", ErrAuth, err)
	}
	return nil
}
