// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package trustroot

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	original := &Blob{
		CAs:        [][]byte{[]byte("ca-der-bytes")},
		DeviceCert: []byte("device-cert-der"),
		DeviceKey:  []byte("device-key-der"),
	}
	parsed, err := Parse(Build(original, 0))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.CAs) != 1 || !bytes.Equal(parsed.CAs[0], original.CAs[0]) {
		t.Errorf("CAs = %q, want %q", parsed.CAs, original.CAs)
	}
	if !bytes.Equal(parsed.DeviceCert, original.DeviceCert) {
		t.Errorf("DeviceCert = %q, want %q", parsed.DeviceCert, original.DeviceCert)
	}
	if !bytes.Equal(parsed.DeviceKey, original.DeviceKey) {
		t.Errorf("DeviceKey = %q, want %q", parsed.DeviceKey, original.DeviceKey)
	}
}

func TestParsePaddedImage(t *testing.T) {
	blob := &Blob{CAs: [][]byte{[]byte("ca")}}
	image := Build(blob, 4096)
	if len(image) != 4096 {
		t.Fatalf("padded image length = %d, want 4096", len(image))
	}
	parsed, err := Parse(image)
	if err != nil {
		t.Fatalf("Parse padded image: %v", err)
	}
	if len(parsed.CAs) != 1 || !bytes.Equal(parsed.CAs[0], []byte("ca")) {
		t.Errorf("CAs = %q, want [ca]", parsed.CAs)
	}
}

func TestParseBadHeader(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("SPC"),
		[]byte("XPCF\x01rest"),
		[]byte("SPCF\x02rest"),
	} {
		if _, err := Parse(data); err != ErrBadHeader {
			t.Errorf("Parse(%q) error = %v, want ErrBadHeader", data, err)
		}
	}
}

func TestParseSkipsUnknownTypes(t *testing.T) {
	image := Build(&Blob{DeviceCert: []byte("cert")}, 0)
	// Splice an unknown record type ahead of the cert record.
	unknown := []byte{99, 3, 0, 0, 0, 'x', 'y', 'z'}
	spliced := append(append(append([]byte{}, image[:5]...), unknown...), image[5:]...)

	parsed, err := Parse(spliced)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(parsed.DeviceCert, []byte("cert")) {
		t.Errorf("DeviceCert = %q, want %q", parsed.DeviceCert, "cert")
	}
}

func TestParseTruncatedFinalRecord(t *testing.T) {
	image := Build(&Blob{CAs: [][]byte{[]byte("first")}}, 0)
	// Append a record whose declared length runs past the end.
	image = append(image, TypeCA, 0xFF, 0, 0, 0, 'p', 'a', 'r', 't')

	parsed, err := Parse(image)
	if err != nil {
		t.Fatalf("Parse truncated: %v", err)
	}
	if len(parsed.CAs) != 1 {
		t.Errorf("CAs count = %d, want 1 (truncated record ignored)", len(parsed.CAs))
	}
}
