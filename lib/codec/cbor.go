// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Deterministic bytes matter
// here: the companion-death recovery path re-parses its own snapshot
// output, report digests are computed over encoded payloads, and the
// keep-data dump contract promises byte-identical repeat reads.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are ignored so old daemons can read state written by
// newer ones.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (schema.ConfigKey in
	// particular) serialize as CBOR text strings in their canonical
	// form via MarshalText.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// The control protocol never uses non-string map keys. When
		// the decode target is any (shell argument maps, diagnostic
		// payloads), the decoder must pick a concrete Go map type;
		// the CBOR default map[interface{}]interface{} is unusable by
		// most Go code, so force map[string]any. Struct field decoding
		// is unaffected.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not the CBOR library directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not the CBOR library directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value. Use it to defer decoding
// (the socket server routes on the action field without decoding the
// rest) or to embed pre-encoded output (report payloads pass through
// the response envelope untouched).
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder writing to w with the standard
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r with the standard
// decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data. telemetryctl prints encoded payloads this
// way when the output is a terminal.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
