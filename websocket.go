// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConn carries one wire message per WebSocket message. Messages
// with a binary tail go out as binary frames, the rest as text.
type WebSocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	inbox   *inbox
	closed  atomic.Bool
}

// DialWebSocket connects to a WebSocket peer. addr may be a ws:// or
// wss:// URL or a bare host:port.
func DialWebSocket(ctx context.Context, addr string, header http.Header) (*WebSocketConn, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr + "/"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, addr, header)
	if resp != nil && resp.Body != nil {
		_ = CleanlyCloseBody(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

// NewWebSocketConn wraps an established connection and starts reading.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	wc := &WebSocketConn{
		conn:  conn,
		inbox: newInbox(),
	}
	go wc.inbox.run(wc.readMessage)
	return wc
}

func (w *WebSocketConn) Send(ctx context.Context, data []byte) error {
	if w.closed.Load() {
		return ErrTransportClosed
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if IsBinaryMessage(data) {
		messageType = websocket.BinaryMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := w.conn.WriteMessage(messageType, data); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (w *WebSocketConn) Recv(ctx context.Context) ([]byte, error) {
	return w.inbox.recv(ctx)
}

func (w *WebSocketConn) readMessage() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocketConn) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.inbox.close()

	w.writeMu.Lock()
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	w.writeMu.Unlock()
	return w.conn.Close()
}

// WebSocketHandler upgrades HTTP requests and hands the connections to
// Accept. It can be mounted on any http.ServeMux.
type WebSocketHandler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	accepted chan *WebSocketConn
	closing  chan struct{}
	once     sync.Once
}

// NewWebSocketHandler returns a handler accepting connections from any
// origin.
func NewWebSocketHandler(logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		accepted: make(chan *WebSocketConn),
		closing:  make(chan struct{}),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	wc := NewWebSocketConn(conn)
	select {
	case h.accepted <- wc:
		h.logger.Debug("websocket connection established",
			zap.String("remote_addr", conn.RemoteAddr().String()),
		)
	case <-h.closing:
		_ = wc.Close()
	case <-r.Context().Done():
		_ = wc.Close()
	}
}

// Accept waits for the next upgraded connection.
func (h *WebSocketHandler) Accept(ctx context.Context) (Transport, error) {
	select {
	case wc := <-h.accepted:
		return wc, nil
	case <-h.closing:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Close stops accepting. Established connections stay open.
func (h *WebSocketHandler) Close() error {
	h.once.Do(func() { close(h.closing) })
	return nil
}

// WebSocketListener serves a WebSocketHandler on its own HTTP server.
type WebSocketListener struct {
	*WebSocketHandler
	listener net.Listener
	server   *http.Server
}

// ListenWebSocket accepts WebSocket connections on addr at any path.
func ListenWebSocket(addr string, logger *zap.Logger) (*WebSocketListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := NewWebSocketHandler(logger)
	wl := &WebSocketListener{
		WebSocketHandler: h,
		listener:         l,
		server: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := wl.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("websocket listener stopped", zap.Error(err))
		}
	}()
	return wl, nil
}

// Addr returns the listener address
func (l *WebSocketListener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops the HTTP server and the handler.
func (l *WebSocketListener) Close() error {
	_ = l.WebSocketHandler.Close()
	return l.server.Close()
}

func dialWebSocket(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	return DialWebSocket(ctx, addr, o.header)
}

func listenWebSocket(addr string, o *serverOptions) (Listener, error) {
	return ListenWebSocket(addr, o.logger)
}

func init() {
	registerTransport(TransportWebSocket, dialWebSocket, listenWebSocket)
}
