// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Wire format
//
// A message is the UTF-8 JSON envelope
//
//	{"i": id, "t": type, "p": payload}
//
// optionally followed by a 0xFF byte and raw body bytes. UTF-8 text never
// contains 0xFF, so the first occurrence splits JSON from binary.
//
// "t" is omitted when it equals the direction default: REQUEST for
// client->server messages, RESPONSE for server->client messages.

const binarySeparator = 0xFF

// URLs under this origin travel as bare paths.
const shortableOrigin = "orpc://localhost"

type envelope struct {
	ID      RequestID   `json:"i"`
	Type    MessageType `json:"t,omitempty"`
	Payload any         `json:"p,omitempty"`
}

type rawEnvelope struct {
	ID      RequestID       `json:"i"`
	Type    MessageType     `json:"t,omitempty"`
	Payload json.RawMessage `json:"p,omitempty"`
}

type wireRequest struct {
	URL     string  `json:"u"`
	Body    any     `json:"b,omitempty"`
	Headers Headers `json:"h,omitempty"`
	Method  string  `json:"m,omitempty"`
}

type wireRequestIn struct {
	URL     string          `json:"u"`
	Body    json.RawMessage `json:"b,omitempty"`
	Headers Headers         `json:"h,omitempty"`
	Method  string          `json:"m,omitempty"`
}

type wireResponse struct {
	Status  int     `json:"s,omitempty"`
	Headers Headers `json:"h,omitempty"`
	Body    any     `json:"b,omitempty"`
}

type wireResponseIn struct {
	Status  int             `json:"s,omitempty"`
	Headers Headers         `json:"h,omitempty"`
	Body    json.RawMessage `json:"b,omitempty"`
}

type wireEvent struct {
	Event EventKind  `json:"e"`
	Data  any        `json:"d,omitempty"`
	Meta  *EventMeta `json:"m,omitempty"`
}

// IsBinaryMessage reports whether msg carries a raw body after its JSON
// envelope. Transports use it to pick text or binary frames.
func IsBinaryMessage(msg []byte) bool {
	return bytes.IndexByte(msg, binarySeparator) >= 0
}

// EncodeRequestMessage encodes a client->server message. payload is a
// *Request for REQUEST, an EventPayload for EVENT_ITERATOR and ignored for
// ABORT_SIGNAL.
func EncodeRequestMessage(id RequestID, typ MessageType, payload any) ([]byte, error) {
	switch typ {
	case MessageTypeEventIterator, MessageTypeAbortSignal:
		return encodeControlMessage(id, typ, payload)
	case MessageTypeRequest:
		req, ok := payload.(*Request)
		if !ok || req == nil {
			return nil, fmt.Errorf("peer: REQUEST payload must be *Request, got %T", payload)
		}
		body, headers, blob, err := serializeBodyAndHeaders(req.Body, req.Headers)
		if err != nil {
			return nil, err
		}
		wire := wireRequest{
			URL:     shortenURL(req.URL),
			Body:    body,
			Headers: headers,
		}
		if req.Method != "" && req.Method != http.MethodPost {
			wire.Method = req.Method
		}
		return encodeRawMessage(envelope{ID: id, Payload: wire}, blob)
	default:
		return nil, fmt.Errorf("peer: cannot encode %s on the request direction", typ)
	}
}

// EncodeResponseMessage encodes a server->client message. payload is a
// *Response for RESPONSE, an EventPayload for EVENT_ITERATOR and ignored
// for ABORT_SIGNAL.
func EncodeResponseMessage(id RequestID, typ MessageType, payload any) ([]byte, error) {
	switch typ {
	case MessageTypeEventIterator, MessageTypeAbortSignal:
		return encodeControlMessage(id, typ, payload)
	case MessageTypeResponse:
		resp, ok := payload.(*Response)
		if !ok || resp == nil {
			return nil, fmt.Errorf("peer: RESPONSE payload must be *Response, got %T", payload)
		}
		body, headers, blob, err := serializeBodyAndHeaders(resp.Body, resp.Headers)
		if err != nil {
			return nil, err
		}
		wire := wireResponse{Body: body, Headers: headers}
		if resp.Status != 0 && resp.Status != http.StatusOK {
			wire.Status = resp.Status
		}
		return encodeRawMessage(envelope{ID: id, Payload: wire}, blob)
	default:
		return nil, fmt.Errorf("peer: cannot encode %s on the response direction", typ)
	}
}

func encodeControlMessage(id RequestID, typ MessageType, payload any) ([]byte, error) {
	if typ == MessageTypeAbortSignal {
		return encodeRawMessage(envelope{ID: id, Type: typ}, nil)
	}
	ev, ok := payload.(EventPayload)
	if !ok {
		return nil, fmt.Errorf("peer: EVENT_ITERATOR payload must be EventPayload, got %T", payload)
	}
	return encodeRawMessage(envelope{
		ID:      id,
		Type:    typ,
		Payload: wireEvent{Event: ev.Event, Data: ev.Data, Meta: ev.Meta},
	}, nil)
}

// DecodeRequestMessage decodes a client->server message. The payload is a
// *Request, an EventPayload or nil, matching the returned type.
func DecodeRequestMessage(raw []byte) (RequestID, MessageType, any, error) {
	env, tail, err := decodeRawMessage(raw)
	if err != nil {
		return "", 0, nil, err
	}
	typ := env.Type
	if typ == 0 {
		typ = MessageTypeRequest
	}
	switch typ {
	case MessageTypeEventIterator, MessageTypeAbortSignal:
		payload, err := decodeControlPayload(env, typ)
		return env.ID, typ, payload, err
	case MessageTypeRequest:
		var wire wireRequestIn
		if err := unmarshalPayload(env.Payload, &wire); err != nil {
			return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: err}
		}
		u, err := resolveURL(wire.URL)
		if err != nil {
			return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: err}
		}
		headers := wire.Headers
		if headers == nil {
			headers = Headers{}
		}
		body, err := deserializeBody(headers, wire.Body, tail)
		if err != nil {
			return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: err}
		}
		method := wire.Method
		if method == "" {
			method = http.MethodPost
		}
		return env.ID, typ, &Request{URL: u, Method: method, Headers: headers, Body: body}, nil
	default:
		return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: fmt.Errorf("unexpected %s on the request direction", typ)}
	}
}

// DecodeResponseMessage decodes a server->client message. The payload is a
// *Response, an EventPayload or nil, matching the returned type.
func DecodeResponseMessage(raw []byte) (RequestID, MessageType, any, error) {
	env, tail, err := decodeRawMessage(raw)
	if err != nil {
		return "", 0, nil, err
	}
	typ := env.Type
	if typ == 0 {
		typ = MessageTypeResponse
	}
	switch typ {
	case MessageTypeEventIterator, MessageTypeAbortSignal:
		payload, err := decodeControlPayload(env, typ)
		return env.ID, typ, payload, err
	case MessageTypeResponse:
		var wire wireResponseIn
		if err := unmarshalPayload(env.Payload, &wire); err != nil {
			return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: err}
		}
		headers := wire.Headers
		if headers == nil {
			headers = Headers{}
		}
		body, err := deserializeBody(headers, wire.Body, tail)
		if err != nil {
			return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: err}
		}
		status := wire.Status
		if status == 0 {
			status = http.StatusOK
		}
		return env.ID, typ, &Response{Status: status, Headers: headers, Body: body}, nil
	default:
		return env.ID, typ, nil, &DecodeError{ID: env.ID, Err: fmt.Errorf("unexpected %s on the response direction", typ)}
	}
}

func decodeControlPayload(env rawEnvelope, typ MessageType) (any, error) {
	if typ == MessageTypeAbortSignal {
		return nil, nil
	}
	var wire wireEvent
	if err := unmarshalPayload(env.Payload, &wire); err != nil {
		return nil, &DecodeError{ID: env.ID, Err: err}
	}
	switch wire.Event {
	case EventKindMessage, EventKindError, EventKindDone:
	default:
		return nil, &DecodeError{ID: env.ID, Err: fmt.Errorf("unknown event %q", wire.Event)}
	}
	return EventPayload{Event: wire.Event, Data: wire.Data, Meta: wire.Meta}, nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}

func encodeRawMessage(v envelope, blob []byte) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("peer: encode message: %w", err)
	}
	if len(blob) == 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data)+1+len(blob))
	out = append(out, data...)
	out = append(out, binarySeparator)
	return append(out, blob...), nil
}

func decodeRawMessage(raw []byte) (rawEnvelope, []byte, error) {
	text, tail := raw, []byte(nil)
	if i := bytes.IndexByte(raw, binarySeparator); i >= 0 {
		text, tail = raw[:i], raw[i+1:]
	}
	var env rawEnvelope
	if err := json.Unmarshal(text, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env, tail, nil
}

// serializeBodyAndHeaders normalizes body for the wire. It returns the
// inline JSON body, the headers describing it and the raw bytes that travel
// after the separator.
func serializeBodyAndHeaders(body any, original Headers) (any, Headers, []byte, error) {
	headers := original.Clone()
	disposition, hasDisposition := headers[headerContentDisposition]
	headers.Del(headerContentType)
	headers.Del(headerContentDisposition)

	setBlobHeaders := func(contentType, name string) {
		if contentType != "" {
			headers.Set(headerContentType, contentType)
		}
		if hasDisposition {
			headers[headerContentDisposition] = disposition
		} else {
			headers.Set(headerContentDisposition, contentDisposition(name))
		}
	}

	switch b := body.(type) {
	case *File:
		setBlobHeaders(b.Type, b.Name)
		return nil, headers, b.Data, nil
	case *Blob:
		setBlobHeaders(b.Type, defaultBlobName)
		return nil, headers, b.Data, nil
	case *FormData:
		data, contentType, err := encodeFormData(b)
		if err != nil {
			return nil, nil, nil, err
		}
		headers.Set(headerContentType, contentType)
		return nil, headers, data, nil
	case url.Values:
		headers.Set(headerContentType, ContentTypeFormURLEncoded)
		return b.Encode(), headers, nil, nil
	case EventIterator:
		headers.Set(headerContentType, ContentTypeEventStream)
		return nil, headers, nil, nil
	default:
		return body, headers, nil, nil
	}
}

func deserializeBody(headers Headers, body json.RawMessage, tail []byte) (any, error) {
	contentType := headers.Get(headerContentType)
	if headers.Has(headerContentDisposition) {
		name := filenameFromDisposition(headers.Get(headerContentDisposition))
		return NewFile(tail, name, contentType), nil
	}
	if strings.HasPrefix(contentType, ContentTypeMultipartForm) {
		return decodeFormData(tail, contentType)
	}

	var value any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &value); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}
	if strings.HasPrefix(contentType, ContentTypeFormURLEncoded) {
		if s, ok := value.(string); ok {
			values, err := url.ParseQuery(s)
			if err != nil {
				return nil, fmt.Errorf("decode form body: %w", err)
			}
			return values, nil
		}
	}
	return value, nil
}

func shortenURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	s := u.String()
	if rest, ok := strings.CutPrefix(s, shortableOrigin); ok && strings.HasPrefix(rest, "/") {
		return rest
	}
	return s
}

func resolveURL(s string) (*url.URL, error) {
	base, err := url.Parse(shortableOrigin + "/")
	if err != nil {
		return nil, err
	}
	u, err := base.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", s, err)
	}
	return u, nil
}

const (
	headerContentType        = "content-type"
	headerContentDisposition = "content-disposition"
)

// IsEventIteratorHeaders reports whether headers describe a streamed body.
func IsEventIteratorHeaders(headers Headers) bool {
	return strings.HasPrefix(headers.Get(headerContentType), ContentTypeEventStream) &&
		!headers.Has(headerContentDisposition)
}
