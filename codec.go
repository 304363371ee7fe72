// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"encoding/json"
	"fmt"
	"mime"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes the values passed to Client.Call and read back by
// DecodeBody. Non-JSON codecs travel as binary blobs tagged with
// ContentType.
type Codec interface {
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

const contentTypeJSON = "application/json"

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return contentTypeJSON }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) ContentType() string { return ContentTypeOctetStream }

func (BinaryCodec) Encode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// CBORCodec is a deterministic CBOR codec (RFC 8949 core profile).
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns a CBOR codec with canonical encoding.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func (*CBORCodec) ContentType() string { return "application/cbor" }

func (c *CBORCodec) Encode(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c *CBORCodec) Decode(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// EncodeBody turns v into a request or response body for codec: inline
// JSON for a JSON codec, a *Blob otherwise.
func EncodeBody(codec Codec, v any) (any, error) {
	if codec == nil {
		codec = defaultCodec
	}
	data, err := codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if isJSONContentType(codec.ContentType()) {
		return json.RawMessage(data), nil
	}
	return NewBlob(data, codec.ContentType()), nil
}

// DecodeBody reads a decoded body into v. Binary bodies are decoded with
// the codec matching their content type; other bodies are JSON values.
func DecodeBody(body any, v any) error {
	switch b := body.(type) {
	case nil:
		return nil
	case *File:
		return decodeBlob(&b.Blob, v)
	case *Blob:
		return decodeBlob(b, v)
	case EventIterator:
		return fmt.Errorf("decode body: cannot decode a streamed body")
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		return json.Unmarshal(data, v)
	}
}

func decodeBlob(b *Blob, v any) error {
	codec, err := codecFor(b.Type)
	if err != nil {
		return err
	}
	if err := codec.Decode(b.Data, v); err != nil {
		return fmt.Errorf("decode %s body: %w", codec.ContentType(), err)
	}
	return nil
}

func codecFor(contentType string) (Codec, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/cbor":
		return NewCBORCodec()
	case isJSONContentType(mediaType):
		return JSONCodec{}, nil
	default:
		return Binary, nil
	}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	return mediaType == contentTypeJSON
}
