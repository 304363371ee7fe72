// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type testService struct {
	started chan struct{}
	aborted chan error
}

func newTestService() (*testService, *ServeMux) {
	svc := &testService{
		started: make(chan struct{}, 1),
		aborted: make(chan error, 1),
	}
	mux := NewServeMux()
	mux.HandleFunc("/echo", func(req *Request) (*Response, error) {
		return &Response{Body: req.Body}, nil
	})
	mux.HandleFunc("/fail", func(*Request) (*Response, error) {
		return nil, errors.New("kaboom")
	})
	mux.HandleFunc("/stream", func(*Request) (*Response, error) {
		return &Response{Body: NewSliceIterator([]any{"a", "b"}, "c")}, nil
	})
	mux.HandleFunc("/count", func(req *Request) (*Response, error) {
		it, ok := req.Body.(EventIterator)
		if !ok {
			return nil, &StatusError{Status: http.StatusBadRequest}
		}
		n := 0
		for {
			ev, err := it.Next(req.Context())
			if err != nil {
				return nil, err
			}
			if ev.Done {
				return &Response{Body: n}, nil
			}
			n++
		}
	})
	mux.HandleFunc("/wait", func(req *Request) (*Response, error) {
		svc.started <- struct{}{}
		<-req.Context().Done()
		svc.aborted <- context.Cause(req.Context())
		return nil, nil
	})
	return svc, mux
}

// exerciseClient runs the same conversation over whatever transport c uses.
func exerciseClient(t *testing.T, c *Client, svc *testService) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	t.Run("call", func(t *testing.T) {
		var reply map[string]any
		require.NoError(t, c.Call(ctx, "/echo", map[string]any{"a": 1}, &reply))
		require.Equal(t, map[string]any{"a": 1.0}, reply)
	})

	t.Run("status errors", func(t *testing.T) {
		err := c.Call(ctx, "/missing", nil, nil)
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		require.Equal(t, http.StatusNotFound, statusErr.Status)

		err = c.Call(ctx, "/fail", nil, nil)
		require.True(t, errors.As(err, &statusErr))
		require.Equal(t, http.StatusInternalServerError, statusErr.Status)
		require.Equal(t, map[string]any{"message": "kaboom"}, statusErr.Body)
	})

	t.Run("binary body", func(t *testing.T) {
		data := []byte{0x00, 0xFF, 0x7F, 0x80}
		resp, err := c.Do(ctx, &Request{
			URL:  mustParseURL(t, "/echo"),
			Body: NewFile(data, "raw.bin", ContentTypeOctetStream),
		})
		require.NoError(t, err)
		file, ok := resp.Body.(*File)
		require.True(t, ok, "body is %T", resp.Body)
		require.Equal(t, data, file.Data)
		require.Equal(t, "raw.bin", file.Name)
	})

	t.Run("streamed response", func(t *testing.T) {
		resp, err := c.Do(ctx, &Request{URL: mustParseURL(t, "/stream")})
		require.NoError(t, err)
		it := resp.Body.(EventIterator)

		var got []any
		for {
			ev, err := it.Next(ctx)
			require.NoError(t, err)
			got = append(got, ev.Value)
			if ev.Done {
				break
			}
		}
		require.Equal(t, []any{"a", "b", "c"}, got)
	})

	t.Run("streamed request", func(t *testing.T) {
		resp, err := c.Do(ctx, &Request{
			URL:  mustParseURL(t, "/count"),
			Body: NewSliceIterator([]any{1, 2, 3, 4}, nil),
		})
		require.NoError(t, err)
		require.Equal(t, 4.0, resp.Body)
	})

	t.Run("abort", func(t *testing.T) {
		callCtx, cancelCall := context.WithCancel(ctx)
		errs := make(chan error, 1)
		go func() {
			_, err := c.Do(callCtx, &Request{URL: mustParseURL(t, "/wait")})
			errs <- err
		}()

		select {
		case <-svc.started:
		case <-ctx.Done():
			require.FailNow(t, "handler never started")
		}
		cancelCall()
		require.ErrorIs(t, <-errs, context.Canceled)

		select {
		case cause := <-svc.aborted:
			require.ErrorIs(t, cause, ErrAborted)
		case <-ctx.Done():
			require.FailNow(t, "handler was not aborted")
		}
	})

	require.Eventually(t, func() bool {
		return c.Peer().Len() == 0
	}, testTimeout, time.Millisecond)
}

func serve(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		cancel()
		require.NoError(t, <-done)
	})
}

func TestTCPTransport(t *testing.T) {
	require := require.New(t)

	svc, mux := newTestService()
	srv, err := Listen("127.0.0.1:0", WithHandler(mux))
	require.NoError(err)
	serve(t, srv)

	c, err := Dial(context.Background(), srv.Addr())
	require.NoError(err)
	defer c.Close()

	exerciseClient(t, c, svc)
}

func TestWebSocketTransport(t *testing.T) {
	require := require.New(t)

	svc, mux := newTestService()
	srv, err := Listen("127.0.0.1:0", WithServerTransport(TransportWebSocket), WithHandler(mux))
	require.NoError(err)
	serve(t, srv)

	c, err := Dial(context.Background(), srv.Addr(), WithTransport(TransportWebSocket))
	require.NoError(err)
	defer c.Close()

	exerciseClient(t, c, svc)
}

func TestWebSocketHandlerOnHTTPServer(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, mux := newTestService()
	h := NewWebSocketHandler(zap.NewNop())
	defer h.Close()

	httpMux := http.NewServeMux()
	httpMux.Handle("/peer", h)
	ts := httptest.NewServer(httpMux)
	defer ts.Close()

	go func() {
		for {
			tr, err := h.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				defer tr.Close()
				_ = ServeTransport(ctx, tr, mux)
			}()
		}
	}()

	conn, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/peer", nil)
	require.NoError(err)
	c := NewClient(conn)
	defer c.Close()

	exerciseClient(t, c, svc)
}

func TestGRPCTransport(t *testing.T) {
	require := require.New(t)

	lis := bufconn.Listen(1 << 20)
	svc, mux := newTestService()
	srv := NewServer(NewGRPCListener(lis, zap.NewNop()), WithHandler(mux))
	serve(t, srv)

	conn, err := DialGRPC(context.Background(), "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(err)
	c := NewClient(conn)
	defer c.Close()

	exerciseClient(t, c, svc)
}

func TestClientCloseFailsPendingRequests(t *testing.T) {
	require := require.New(t)

	svc, mux := newTestService()
	srv, err := Listen("127.0.0.1:0", WithHandler(mux))
	require.NoError(err)
	serve(t, srv)

	c, err := Dial(context.Background(), srv.Addr())
	require.NoError(err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{URL: mustParseURL(t, "/wait")})
		errs <- err
	}()
	<-svc.started

	require.NoError(c.Close())
	require.ErrorIs(<-errs, ErrPeerClosed)
	require.Zero(c.Peer().Len())

	// Losing the connection cancels the handler too.
	require.ErrorIs(<-svc.aborted, ErrPeerClosed)
}

func TestFrameConnLimits(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	left, right := NewFrameConn(a), NewFrameConn(b)
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	go func() {
		_ = left.Send(ctx, []byte("hello"))
	}()
	msg, err := right.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), msg)

	require.ErrorIs(left.Send(ctx, make([]byte, MaxFrameSize+1)), ErrMessageTooLarge)

	// Nothing reads the other end of this pipe, so the write blocks until
	// ctx is cancelled.
	c, _ := net.Pipe()
	stuck := NewFrameConn(c)
	defer stuck.Close()
	sendCtx, cancelSend := context.WithCancel(ctx)
	time.AfterFunc(20*time.Millisecond, cancelSend)
	require.ErrorIs(stuck.Send(sendCtx, []byte("stuck")), context.Canceled)

	recvCtx, cancelRecv := context.WithCancel(ctx)
	cancelRecv()
	_, err = right.Recv(recvCtx)
	require.ErrorIs(err, context.Canceled)

	require.NoError(left.Close())
	require.ErrorIs(left.Send(ctx, []byte("x")), ErrTransportClosed)
	_, err = right.Recv(ctx)
	require.ErrorIs(err, ErrTransportClosed)
}

func TestTransportRegistry(t *testing.T) {
	require := require.New(t)

	require.Equal([]string{TransportGRPC, TransportTCP, TransportWebSocket}, AvailableTransports())
	require.True(HasTransport(TransportWebSocket))
	require.False(HasTransport("quic"))

	_, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("quic"))
	require.ErrorContains(err, "unknown transport")
	_, err = Listen("127.0.0.1:0", WithServerTransport("quic"))
	require.ErrorContains(err, "unknown transport")
}
