// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	grpcServiceName = "luxfi.peer.v1.Peer"
	grpcConnectPath = "/" + grpcServiceName + "/Connect"
)

// rawCodec moves wire messages through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("peer-raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("peer-raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "peer-raw" }

// connectService is implemented by the gRPC side of a GRPCListener.
type connectService interface {
	Connect(stream grpc.ServerStream) error
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*connectService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "peer.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectService).Connect(stream)
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCConn carries wire messages as the messages of one bidirectional
// gRPC stream.
type GRPCConn struct {
	stream  grpcStream
	writeMu sync.Mutex
	inbox   *inbox
	closed  atomic.Bool
	onClose func() error
}

func newGRPCConn(stream grpcStream, onClose func() error) *GRPCConn {
	gc := &GRPCConn{
		stream:  stream,
		inbox:   newInbox(),
		onClose: onClose,
	}
	go gc.inbox.run(gc.readMessage)
	return gc
}

// DialGRPC opens a Connect stream to target. The connection is plaintext
// unless opts supply credentials.
func DialGRPC(ctx context.Context, target string, opts ...grpc.DialOption) (*GRPCConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &peerServiceDesc.Streams[0], grpcConnectPath,
		grpc.ForceCodec(rawCodec{}),
	)
	stopped := stop()
	if err != nil || !stopped {
		cancel()
		_ = conn.Close()
		if err == nil {
			err = context.Cause(ctx)
		}
		return nil, fmt.Errorf("grpc connect: %w", err)
	}

	return newGRPCConn(stream, func() error {
		_ = stream.CloseSend()
		cancel()
		return conn.Close()
	}), nil
}

func (g *GRPCConn) Send(ctx context.Context, data []byte) error {
	if g.closed.Load() {
		return ErrTransportClosed
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.stream.SendMsg(data); err != nil {
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

func (g *GRPCConn) Recv(ctx context.Context) ([]byte, error) {
	return g.inbox.recv(ctx)
}

func (g *GRPCConn) readMessage() ([]byte, error) {
	var msg []byte
	if err := g.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close ends the stream.
func (g *GRPCConn) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.inbox.close()
	return g.onClose()
}

// GRPCListener serves the Connect stream and hands every stream to Accept.
type GRPCListener struct {
	logger   *zap.Logger
	listener net.Listener
	server   *grpc.Server
	accepted chan *GRPCConn
	closing  chan struct{}
	once     sync.Once
}

// NewGRPCListener starts a gRPC server on l.
func NewGRPCListener(l net.Listener, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	gl := &GRPCListener{
		logger:   logger,
		listener: l,
		server:   grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(rawCodec{})}, opts...)...),
		accepted: make(chan *GRPCConn),
		closing:  make(chan struct{}),
	}
	gl.server.RegisterService(&peerServiceDesc, gl)
	go func() {
		if err := gl.server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc listener stopped", zap.Error(err))
		}
	}()
	return gl
}

// ListenGRPC listens for gRPC Connect streams on addr.
func ListenGRPC(addr string, logger *zap.Logger, opts ...grpc.ServerOption) (*GRPCListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewGRPCListener(l, logger, opts...), nil
}

// Connect is the stream handler. It blocks until the accepted connection
// is closed or the client goes away.
func (l *GRPCListener) Connect(stream grpc.ServerStream) error {
	done := make(chan struct{})
	var once sync.Once
	gc := newGRPCConn(stream, func() error {
		once.Do(func() { close(done) })
		return nil
	})

	select {
	case l.accepted <- gc:
	case <-l.closing:
		return ErrTransportClosed
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	select {
	case <-done:
		return nil
	case <-stream.Context().Done():
		_ = gc.Close()
		return stream.Context().Err()
	}
}

func (l *GRPCListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case gc := <-l.accepted:
		return gc, nil
	case <-l.closing:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Addr returns the listener address
func (l *GRPCListener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops the gRPC server and every open stream.
func (l *GRPCListener) Close() error {
	l.once.Do(func() { close(l.closing) })
	l.server.Stop()
	return nil
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	return DialGRPC(ctx, addr, o.grpcOptions...)
}

func listenGRPC(addr string, o *serverOptions) (Listener, error) {
	return ListenGRPC(addr, o.logger, o.grpcOptions...)
}

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}
