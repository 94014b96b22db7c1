// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package trustroot reads the factory-installed trust anchor blob: a
// TLV container holding the update-signing CA, the device certificate,
// and the device private key. The blob is written once at manufacture
// by the host-side provisioning tool; the device only ever reads it.
//
// Layout: a 5-byte header 'S' 'P' 'C' 'F' 0x01, then zero or more
// records of type(u8) || length(u32 little-endian) || value. Unknown
// record types are skipped. A truncated final record ends parsing
// without error, so a blob padded out to the partition size parses
// cleanly.
package trustroot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Record types.
const (
	TypeCA         = 1
	TypeDeviceCert = 2
	TypeDeviceKey  = 3
)

// header is the magic prefix; the final byte is the format version.
var header = []byte{'S', 'P', 'C', 'F', 0x01}

// ErrBadHeader is returned when the blob does not begin with the SPCF
// magic and version byte.
var ErrBadHeader = errors.New("trustroot: bad header")

// Blob is the parsed trust-root content. All values are DER.
type Blob struct {
	// CAs are the trusted signing/pinning CA certificates, in the
	// order they appear in the container.
	CAs [][]byte

	// DeviceCert is this device's certificate, used as the client
	// identity on the cloud link and as the fallback update signer
	// when a manifest carries no signer certificate.
	DeviceCert []byte

	// DeviceKey is the device private key (PKCS#8 or SEC1 DER).
	DeviceKey []byte
}

// Parse decodes a trust-root container.
func Parse(data []byte) (*Blob, error) {
	if len(data) < len(header) {
		return nil, ErrBadHeader
	}
	for i, b := range header {
		if data[i] != b {
			return nil, ErrBadHeader
		}
	}

	blob := &Blob{}
	offset := len(header)
	for offset+5 <= len(data) {
		recordType := data[offset]
		length := binary.LittleEndian.Uint32(data[offset+1 : offset+5])
		offset += 5
		if length == 0 || offset+int(length) > len(data) {
			// Zero length marks padding; a record running past
			// the end is a truncated tail. Both end the parse.
			break
		}
		value := make([]byte, length)
		copy(value, data[offset:offset+int(length)])
		offset += int(length)

		switch recordType {
		case TypeCA:
			blob.CAs = append(blob.CAs, value)
		case TypeDeviceCert:
			blob.DeviceCert = value
		case TypeDeviceKey:
			blob.DeviceKey = value
		default:
			// Skip unknown types for forward compatibility.
		}
	}
	return blob, nil
}

// Load reads and parses the trust-root blob from path.
func Load(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust root: %w", err)
	}
	blob, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing trust root %s: %w", path, err)
	}
	return blob, nil
}

// Build serializes a Blob into container form, zero-padded to padTo
// bytes when padTo exceeds the natural size. Used by tests and by the
// factory tooling to produce partition images.
func Build(blob *Blob, padTo int) []byte {
	size := len(header)
	for _, ca := range blob.CAs {
		size += 5 + len(ca)
	}
	if len(blob.DeviceCert) > 0 {
		size += 5 + len(blob.DeviceCert)
	}
	if len(blob.DeviceKey) > 0 {
		size += 5 + len(blob.DeviceKey)
	}
	if padTo > size {
		size = padTo
	}

	out := make([]byte, 0, size)
	out = append(out, header...)
	appendRecord := func(recordType byte, value []byte) {
		if len(value) == 0 {
			return
		}
		out = append(out, recordType)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
		out = append(out, value...)
	}
	for _, ca := range blob.CAs {
		appendRecord(TypeCA, ca)
	}
	appendRecord(TypeDeviceCert, blob.DeviceCert)
	appendRecord(TypeDeviceKey, blob.DeviceKey)

	for len(out) < size {
		out = append(out, 0)
	}
	return out
}
