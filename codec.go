package edgetwin

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// A Codec serialises opaque payloads to and from their wire encoding. The
// twin document itself is always JSON, but event payloads sent through the
// host may negotiate a different content encoding.
type Codec interface {
	// ContentType returns the MIME type stamped on messages encoded by this
	// codec.
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(p []byte, into any) error
}

// JSONCodec encodes payloads as JSON. It is the default codec, matching the
// encoding of the twin document.
type JSONCodec struct{}

func (JSONCodec) ContentType() string             { return "application/json" }
func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(p []byte, v any) error { return json.Unmarshal(p, v) }

// CBORCodec encodes payloads as CBOR, for constrained links where the JSON
// encoding is too verbose.
type CBORCodec struct{}

func (CBORCodec) ContentType() string             { return "application/cbor" }
func (CBORCodec) Marshal(v any) ([]byte, error)   { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(p []byte, v any) error { return cbor.Unmarshal(p, v) }
