// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	// JSONRPCMethod is the JSON-RPC method served by NewJSONRPCHandler.
	JSONRPCMethod = "Peer.Call"
)

var errStreamingUnsupported = errors.New("peer: streamed bodies are not supported over JSON-RPC")

// CallArgs is one request carried over JSON-RPC.
type CallArgs struct {
	Path    string  `json:"path"`
	Method  string  `json:"method,omitempty"`
	Headers Headers `json:"headers,omitempty"`
	Body    any     `json:"body,omitempty"`
}

// CallReply is the response to a CallArgs.
type CallReply struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers,omitempty"`
	Body    any     `json:"body,omitempty"`
}

// JSONRPCService exposes a Handler as the JSON-RPC service "Peer".
type JSONRPCService struct {
	handler Handler
}

// Call dispatches args to the handler. Only unary bodies are supported.
func (s *JSONRPCService) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	u, err := resolveURL(args.Path)
	if err != nil {
		return err
	}
	method := args.Method
	if method == "" {
		method = http.MethodPost
	}
	headers := args.Headers
	if headers == nil {
		headers = Headers{}
	}
	req := (&Request{URL: u, Method: method, Headers: headers, Body: args.Body}).WithContext(r.Context())

	resp, err := s.handler.ServeRPC(req)
	if err != nil {
		resp = errorResponse(err)
	}
	if resp == nil {
		resp = &Response{}
	}
	if it, ok := resp.Body.(EventIterator); ok {
		_ = it.Close(CloseReasonReturn, errStreamingUnsupported)
		return errStreamingUnsupported
	}

	reply.Status = resp.Status
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	reply.Headers = resp.Headers
	reply.Body = resp.Body
	return nil
}

// NewJSONRPCHandler serves h over HTTP as JSON-RPC 2.0 method Peer.Call.
func NewJSONRPCHandler(h Handler) (http.Handler, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&JSONRPCService{handler: h}, "Peer"); err != nil {
		return nil, err
	}
	return server, nil
}

// Option configures SendJSONRequest
type Option func(*Options)

// Options holds the HTTP details of a JSON-RPC request.
type Options struct {
	headers     http.Header
	queryParams url.Values
	logger      *zap.Logger
}

func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		logger:      zap.NewNop(),
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.headers.Set(key, value)
	}
}

func WithQueryParam(key, value string) Option {
	return func(o *Options) {
		o.queryParams.Set(key, value)
	}
}

// WithRequestLogger logs retries to l.
func WithRequestLogger(l *zap.Logger) Option {
	return func(o *Options) {
		o.logger = l
	}
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest issues a JSON-RPC 2.0 call to uri, retrying transient
// connection failures with exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...Option,
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 500ms, 1s
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Body buffer is consumed by each attempt
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			target.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			ops.logger.Debug("json-rpc request attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", isRetryableError(err)),
				zap.Error(err),
			)
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return CleanlyCloseBody(resp.Body)
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// CallJSONRPC sends one request through a JSON-RPC gateway at uri.
func CallJSONRPC(ctx context.Context, uri *url.URL, args *CallArgs, options ...Option) (*CallReply, error) {
	reply := &CallReply{}
	if err := SendJSONRequest(ctx, uri, JSONRPCMethod, args, reply, options...); err != nil {
		return nil, err
	}
	return reply, nil
}
