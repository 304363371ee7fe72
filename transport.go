// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Transport types
const (
	TransportTCP       = "tcp"  // Length-prefixed frames over TCP, default
	TransportWebSocket = "ws"   // One WebSocket message per wire message
	TransportGRPC      = "grpc" // One bidirectional gRPC stream per connection
)

// DefaultTransport is the transport used when none is selected.
const DefaultTransport = TransportTCP

// Transport is a duplex channel that preserves message boundaries: every
// Send arrives as exactly one Recv on the other end.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Listener accepts inbound Transports.
type Listener interface {
	io.Closer
	Accept(ctx context.Context) (Transport, error)
	Addr() string
}

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Transport, error)
type listenFunc func(addr string, o *serverOptions) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		TransportTCP: {dialTCP, listenTCP},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportEntry{dial, listen}
}

func lookupTransport(name string) (transportEntry, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok {
		return transportEntry{}, fmt.Errorf("unknown transport: %s", name)
	}
	return t, nil
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// inbox turns a blocking read function into a context-aware Recv. One
// goroutine reads; Recv waits for its next message.
type inbox struct {
	msgs    chan []byte
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	err     error
}

func newInbox() *inbox {
	return &inbox{
		msgs:    make(chan []byte),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (b *inbox) run(read func() ([]byte, error)) {
	defer close(b.done)
	for {
		msg, err := read()
		if err != nil {
			b.err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
			return
		}
		select {
		case b.msgs <- msg:
		case <-b.closing:
			b.err = ErrTransportClosed
			return
		}
	}
}

func (b *inbox) recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-b.msgs:
		return msg, nil
	case <-b.done:
		return nil, b.err
	case <-b.closing:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// close stops delivery. The read function must be unblocked separately,
// usually by closing the underlying connection.
func (b *inbox) close() {
	b.once.Do(func() { close(b.closing) })
}
