// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Client runs a ClientPeer over a Transport.
type Client struct {
	transport Transport
	peer      *ClientPeer
	codec     Codec
	logger    *zap.Logger

	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec       Codec
	transport   string // "tcp", "ws", "grpc"
	peerOptions []PeerOption
	header      http.Header
	grpcOptions []grpc.DialOption
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:     defaultCodec,
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets the codec used by Call
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithPeerOptions configures the underlying ClientPeer.
func WithPeerOptions(opts ...PeerOption) DialOption {
	return func(o *dialOptions) { o.peerOptions = append(o.peerOptions, opts...) }
}

// WithWebSocketHeader adds HTTP headers to the WebSocket handshake.
func WithWebSocketHeader(h http.Header) DialOption {
	return func(o *dialOptions) { o.header = h }
}

// WithGRPCDialOptions passes options to the gRPC client connection.
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(o *dialOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// NewClient runs a client over an established transport. The client owns
// t and closes it on Close.
func NewClient(t Transport, opts ...DialOption) *Client {
	return newClient(t, newDialOptions(opts))
}

func newClient(t Transport, o *dialOptions) *Client {
	po := newPeerOptions(o.peerOptions)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: t,
		peer:      NewClientPeer(t.Send, o.peerOptions...),
		codec:     o.codec,
		logger:    po.logger,
		cancel:    cancel,
		readDone:  make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("client transport closed", zap.Error(err))
			}
			c.peer.CloseAll(fmt.Errorf("%w: %w", ErrPeerClosed, err))
			return
		}
		if err := c.peer.Message(ctx, msg); err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err))
		}
	}
}

// Peer returns the underlying ClientPeer.
func (c *Client) Peer() *ClientPeer {
	return c.peer
}

// Do sends req and returns the server's response. See ClientPeer.Request.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.peer.Request(ctx, req)
}

// Call posts args to path, encoded with the client's codec, and decodes
// the response body into reply. Responses with status 400 or above are
// returned as *StatusError.
func (c *Client) Call(ctx context.Context, path string, args, reply any) error {
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path: %w", err)
	}
	req := &Request{URL: u, Method: http.MethodPost, Headers: Headers{}}
	if args != nil {
		req.Body, err = EncodeBody(c.codec, args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}

	resp, err := c.peer.Request(ctx, req)
	if err != nil {
		return err
	}
	if it, ok := resp.Body.(EventIterator); ok {
		_ = it.Close(CloseReasonReturn, nil)
		return errors.New("peer: Call received a streamed response, use Do")
	}
	if resp.Status >= http.StatusBadRequest {
		return &StatusError{Status: resp.Status, Body: resp.Body}
	}
	if reply != nil {
		if err := DecodeBody(resp.Body, reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
	}
	return nil
}

// Close fails every in-flight request with ErrPeerClosed and closes the
// transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.peer.CloseAll(ErrPeerClosed)
		err = c.transport.Close()
		<-c.readDone
	})
	return err
}
