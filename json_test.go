// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *url.URL {
	t.Helper()
	_, mux := newTestService()
	mux.HandleFunc("/headers", func(req *Request) (*Response, error) {
		return &Response{
			Headers: Headers{"x-seen": {req.Headers.Get("x-trace")}},
			Body:    req.Method,
		}, nil
	})

	h, err := NewJSONRPCHandler(mux)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return u
}

func TestJSONRPCGateway(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	u := newGateway(t)

	reply, err := CallJSONRPC(ctx, u, &CallArgs{Path: "/echo", Body: map[string]any{"v": 1}})
	require.NoError(err)
	require.Equal(http.StatusOK, reply.Status)
	require.Equal(map[string]any{"v": 1.0}, reply.Body)

	reply, err = CallJSONRPC(ctx, u, &CallArgs{
		Path:    "/headers",
		Method:  http.MethodGet,
		Headers: Headers{"x-trace": {"abc"}},
	})
	require.NoError(err)
	require.Equal("GET", reply.Body)
	require.Equal(Headers{"x-seen": {"abc"}}, reply.Headers)

	reply, err = CallJSONRPC(ctx, u, &CallArgs{Path: "/missing"})
	require.NoError(err)
	require.Equal(http.StatusNotFound, reply.Status)

	reply, err = CallJSONRPC(ctx, u, &CallArgs{Path: "/fail"}, WithHeader("X-Ignored", "1"), WithQueryParam("trace", "1"))
	require.NoError(err)
	require.Equal(http.StatusInternalServerError, reply.Status)
	require.Equal(map[string]any{"message": "kaboom"}, reply.Body)

	_, err = CallJSONRPC(ctx, u, &CallArgs{Path: "/stream"})
	require.ErrorContains(err, "not supported over JSON-RPC")
}

func TestSendJSONRequestStatusCode(t *testing.T) {
	require := require.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	require.NoError(err)

	err = SendJSONRequest(context.Background(), u, JSONRPCMethod, &CallArgs{Path: "/"}, &CallReply{})
	require.ErrorContains(err, "received status code: 418")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("tls: bad certificate"), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isRetryableError(tt.err), "%v", tt.err)
	}
}

func TestCleanlyCloseBody(t *testing.T) {
	require.NoError(t, CleanlyCloseBody(nil))
	require.NoError(t, CleanlyCloseBody(io.NopCloser(&errReader{})))
}

type errReader struct{}

func (*errReader) Read([]byte) (int, error) { return 0, io.EOF }
