// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used for structured payloads in
// the durable store (Wi-Fi credentials, schedule configuration, pump
// cycle). Encoding is Core Deterministic (RFC 8949 §4.2) so that the
// same logical value always produces identical bytes — which in turn
// means the CRC the store appends is stable across rewrites of the
// same configuration.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// When decoding into any, produce map[string]any rather
		// than the CBOR default map[any]any; all store payloads
		// use string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with payloads written by newer firmware.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode of a
// payload whose shape depends on another field.
type RawMessage = cbor.RawMessage
