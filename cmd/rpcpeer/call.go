// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxfi/peer"
)

type callFlags struct {
	Path    string
	Method  string
	Data    string
	Stream  string
	Gateway string
	Timeout time.Duration
}

var callOpts callFlags

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send one request and print the response",
	Example: `  rpcpeer call --path /echo --data '{"value":1}'
  rpcpeer call --path /echo --stream '["a","b","c"]'
  rpcpeer call --path /ticks --data '{"count":5}'
  rpcpeer call --gateway http://127.0.0.1:9651/rpc --path /ping`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if callOpts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callOpts.Timeout)
			defer cancel()
		}

		body, err := callBody(callOpts)
		if err != nil {
			return err
		}
		if callOpts.Gateway != "" {
			return callGateway(ctx, cmd.OutOrStdout(), body)
		}
		return callPeer(ctx, cmd.OutOrStdout(), body)
	},
}

func init() {
	callCmd.Flags().StringVar(&callOpts.Path, "path", "/ping", "request path")
	callCmd.Flags().StringVar(&callOpts.Method, "method", "POST", "request method")
	callCmd.Flags().StringVar(&callOpts.Data, "data", "", "JSON request body")
	callCmd.Flags().StringVar(&callOpts.Stream, "stream", "", "JSON array sent as a streamed request body")
	callCmd.Flags().StringVar(&callOpts.Gateway, "gateway", "", "JSON-RPC gateway URL; bypasses the peer transport")
	callCmd.Flags().DurationVar(&callOpts.Timeout, "timeout", 30*time.Second, "abort the call after this long (0 disables)")
}

func callBody(f callFlags) (any, error) {
	switch {
	case f.Data != "" && f.Stream != "":
		return nil, fmt.Errorf("--data and --stream are mutually exclusive")
	case f.Stream != "":
		var values []any
		if err := json.Unmarshal([]byte(f.Stream), &values); err != nil {
			return nil, fmt.Errorf("parse --stream: %w", err)
		}
		return peer.NewSliceIterator(values, nil), nil
	case f.Data != "":
		var v any
		if err := json.Unmarshal([]byte(f.Data), &v); err != nil {
			return nil, fmt.Errorf("parse --data: %w", err)
		}
		return v, nil
	default:
		return nil, nil
	}
}

func callPeer(ctx context.Context, out io.Writer, body any) error {
	client, err := peer.Dial(ctx, cfg.Listen,
		peer.WithTransport(cfg.Transport),
		peer.WithPeerOptions(peer.WithLogger(logger)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	u, err := url.Parse(callOpts.Path)
	if err != nil {
		return err
	}
	resp, err := client.Do(ctx, &peer.Request{
		URL:     u,
		Method:  callOpts.Method,
		Headers: peer.Headers{},
		Body:    body,
	})
	if err != nil {
		return err
	}
	return printResponse(ctx, out, resp)
}

func printResponse(ctx context.Context, out io.Writer, resp *peer.Response) error {
	enc := json.NewEncoder(out)
	it, ok := resp.Body.(peer.EventIterator)
	if !ok {
		return enc.Encode(map[string]any{"status": resp.Status, "body": resp.Body})
	}
	defer it.Close(peer.CloseReasonReturn, nil)

	if err := enc.Encode(map[string]any{"status": resp.Status}); err != nil {
		return err
	}
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			return err
		}
		line := map[string]any{"event": "message", "data": ev.Value}
		if ev.Done {
			line["event"] = "done"
		}
		if ev.Meta != nil {
			line["meta"] = ev.Meta
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		if ev.Done {
			return nil
		}
	}
}

func callGateway(ctx context.Context, out io.Writer, body any) error {
	if _, ok := body.(peer.EventIterator); ok {
		return fmt.Errorf("--stream is not supported through the gateway")
	}
	u, err := url.Parse(callOpts.Gateway)
	if err != nil {
		return err
	}
	reply, err := peer.CallJSONRPC(ctx, u, &peer.CallArgs{
		Path:   callOpts.Path,
		Method: callOpts.Method,
		Body:   body,
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]any{"status": reply.Status, "body": reply.Body})
}
