// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MaxFrameSize bounds one framed message.
const MaxFrameSize = 64 * 1024 * 1024 // 64MB

// FrameConn carries wire messages over a stream connection, each prefixed
// with its 4-byte big-endian length.
type FrameConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	inbox   *inbox
	closed  atomic.Bool
}

// DialFrame connects to a framed TCP peer.
func DialFrame(ctx context.Context, addr string) (*FrameConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return NewFrameConn(conn), nil
}

// NewFrameConn wraps conn and starts reading frames from it.
func NewFrameConn(conn net.Conn) *FrameConn {
	fc := &FrameConn{
		conn:  conn,
		inbox: newInbox(),
	}
	go fc.inbox.run(fc.readFrame)
	return fc
}

// Send writes data as one frame. A deadline on ctx bounds the write.
func (f *FrameConn) Send(ctx context.Context, data []byte) error {
	if f.closed.Load() {
		return ErrTransportClosed
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = f.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := f.conn.Write(buf); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

// Recv returns the next frame.
func (f *FrameConn) Recv(ctx context.Context) ([]byte, error) {
	return f.inbox.recv(ctx)
}

func (f *FrameConn) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(f.conn, header); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(header)
	if msgLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, msgLen)
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(f.conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close closes the connection
func (f *FrameConn) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.inbox.close()
	return f.conn.Close()
}

// RemoteAddr returns the address of the other end.
func (f *FrameConn) RemoteAddr() net.Addr {
	return f.conn.RemoteAddr()
}

// FrameListener accepts framed TCP connections.
type FrameListener struct {
	listener net.Listener
}

// ListenFrame listens for framed TCP connections on addr.
func ListenFrame(addr string) (*FrameListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &FrameListener{listener: l}, nil
}

// Accept waits for the next connection. Cancelling ctx closes the
// listener.
func (l *FrameListener) Accept(ctx context.Context) (Transport, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.listener.Close() })
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	return NewFrameConn(conn), nil
}

// Close closes the listener
func (l *FrameListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener address
func (l *FrameListener) Addr() string {
	return l.listener.Addr().String()
}

func dialTCP(ctx context.Context, addr string, _ *dialOptions) (Transport, error) {
	return DialFrame(ctx, addr)
}

func listenTCP(addr string, _ *serverOptions) (Listener, error) {
	return ListenFrame(addr)
}
