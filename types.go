// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// RequestID correlates every message of one exchange. It is opaque: peers
// only compare ids for equality.
type RequestID string

// UnmarshalJSON accepts both string and numeric ids.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	*id = RequestID(n.String())
	return nil
}

// IDGenerator hands out request ids. Ids must not repeat for the lifetime of
// the peer that owns the generator.
type IDGenerator interface {
	NextID() RequestID
}

// SequentialIDs generates decimal ids from a per-instance counter.
type SequentialIDs struct {
	n atomic.Uint64
}

func (s *SequentialIDs) NextID() RequestID {
	return RequestID(strconv.FormatUint(s.n.Add(1), 10))
}

// UUIDGenerator generates random v4 ids, for peers whose ids must also be
// unique across process restarts.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() RequestID {
	return RequestID(uuid.NewString())
}

// MessageType identifies the kind of wire message
type MessageType uint8

const (
	MessageTypeRequest       MessageType = 1
	MessageTypeResponse      MessageType = 2
	MessageTypeEventIterator MessageType = 3
	MessageTypeAbortSignal   MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeEventIterator:
		return "EVENT_ITERATOR"
	case MessageTypeAbortSignal:
		return "ABORT_SIGNAL"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Headers holds envelope headers keyed by lowercase name. A header with a
// single value is encoded as a JSON string, several values as an array.
type Headers map[string][]string

func (h Headers) Get(key string) string {
	v := h[strings.ToLower(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Has reports whether the header is present, even with an empty value.
func (h Headers) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

func (h Headers) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

func (h Headers) Add(key, value string) {
	key = strings.ToLower(key)
	h[key] = append(h[key], value)
}

func (h Headers) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone returns a deep copy with every key lowercased. Values of keys that
// differ only in case are merged. Cloning a nil Headers yields an empty map.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		k = strings.ToLower(k)
		out[k] = append(out[k], v...)
	}
	return out
}

func (h Headers) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		if len(v) > 0 && v[0] == '[' {
			var values []string
			if err := json.Unmarshal(v, &values); err != nil {
				return fmt.Errorf("header %q: %w", k, err)
			}
			out[strings.ToLower(k)] = values
			continue
		}
		var value string
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		out[strings.ToLower(k)] = []string{value}
	}
	*h = out
	return nil
}

// Request is the envelope of one call. Body is nil, a JSON value, *Blob,
// *File, *FormData, url.Values or an EventIterator.
type Request struct {
	URL     *url.URL
	Method  string
	Headers Headers
	Body    any

	ctx context.Context
}

// Context returns the request context. On the server it is cancelled when
// the client aborts the exchange.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("peer: nil context")
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Response is the envelope answering a Request. Body takes the same forms
// as Request.Body.
type Response struct {
	Status  int
	Headers Headers
	Body    any
}

// ExchangeState is the lifecycle position of one id on a peer.
type ExchangeState uint8

const (
	StateClosed ExchangeState = iota
	StateOpen
	StateStreaming
)

func (s ExchangeState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}
