// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Handler answers one request. The request context ends when the client
// aborts. Returning an error produces an error response: a *StatusError
// keeps its status and body, anything else becomes a 500.
type Handler interface {
	ServeRPC(req *Request) (*Response, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(req *Request) (*Response, error)

func (f HandlerFunc) ServeRPC(req *Request) (*Response, error) {
	return f(req)
}

// ServeMux routes requests by URL path.
type ServeMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewServeMux() *ServeMux {
	return &ServeMux{handlers: make(map[string]Handler)}
}

// Handle registers h for path, replacing any previous handler.
func (m *ServeMux) Handle(path string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

func (m *ServeMux) HandleFunc(path string, f func(req *Request) (*Response, error)) {
	m.Handle(path, HandlerFunc(f))
}

func (m *ServeMux) ServeRPC(req *Request) (*Response, error) {
	path := "/"
	if req.URL != nil && req.URL.Path != "" {
		path = req.URL.Path
	}
	m.mu.RLock()
	h, ok := m.handlers[path]
	m.mu.RUnlock()
	if !ok {
		return nil, &StatusError{
			Status: http.StatusNotFound,
			Body:   map[string]any{"message": "unknown method: " + path},
		}
	}
	return h.ServeRPC(req)
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport   string
	handler     Handler
	peerOptions []PeerOption
	logger      *zap.Logger
	grpcOptions []grpc.ServerOption
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = newPeerOptions(o.peerOptions).logger
	if o.handler == nil {
		o.handler = NewServeMux()
	}
	return o
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithHandler sets the handler every request is dispatched to.
func WithHandler(h Handler) ServerOption {
	return func(o *serverOptions) { o.handler = h }
}

// WithServerPeerOptions configures the ServerPeer run for each connection.
func WithServerPeerOptions(opts ...PeerOption) ServerOption {
	return func(o *serverOptions) { o.peerOptions = append(o.peerOptions, opts...) }
}

// WithGRPCServerOptions passes options to the gRPC server.
func WithGRPCServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// Server accepts connections and serves each with its own ServerPeer.
type Server struct {
	listener    Listener
	handler     Handler
	peerOptions []PeerOption
	logger      *zap.Logger

	conns  sync.Map // Transport -> struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer serves connections accepted from l.
func NewServer(l Listener, opts ...ServerOption) *Server {
	return newServer(l, newServerOptions(opts))
}

func newServer(l Listener, o *serverOptions) *Server {
	return &Server{
		listener:    l,
		handler:     o.handler,
		peerOptions: o.peerOptions,
		logger:      o.logger,
	}
}

// Handler returns the handler requests are dispatched to.
func (s *Server) Handler() Handler {
	return s.handler
}

// Serve accepts connections until ctx ends or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.wg.Wait()

	for {
		t, err := s.listener.Accept(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return err
		}
		s.conns.Store(t, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(t)
			defer t.Close()
			if err := ServeTransport(ctx, t, s.handler, s.peerOptions...); err != nil && !errors.Is(err, ErrTransportClosed) {
				s.logger.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.closed.Store(true)
	err := s.listener.Close()
	s.conns.Range(func(key, _ any) bool {
		_ = key.(Transport).Close()
		return true
	})
	return err
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// ServeTransport runs one ServerPeer over t, dispatching each request to h
// on its own goroutine. It returns when t fails or ctx ends; every open
// exchange is closed on the way out.
func ServeTransport(ctx context.Context, t Transport, h Handler, opts ...PeerOption) error {
	po := newPeerOptions(opts)
	p := NewServerPeer(t.Send, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := t.Recv(ctx)
		if err != nil {
			p.CloseAll(ErrPeerClosed)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		id, req, err := p.Message(ctx, msg)
		if err != nil {
			po.logger.Warn("dropping undecodable message",
				zap.String("id", string(id)),
				zap.Error(err),
			)
			continue
		}
		if req == nil {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.ServeRPC(req)
			if err != nil {
				resp = errorResponse(err)
			}
			if err := p.Response(ctx, id, resp); err != nil {
				po.logger.Debug("failed to send response",
					zap.String("id", string(id)),
					zap.Error(err),
				)
			}
		}()
	}
}

func errorResponse(err error) *Response {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return &Response{Status: statusErr.Status, Headers: Headers{}, Body: statusErr.Body}
	}
	return &Response{
		Status:  http.StatusInternalServerError,
		Headers: Headers{},
		Body:    map[string]any{"message": err.Error()},
	}
}
