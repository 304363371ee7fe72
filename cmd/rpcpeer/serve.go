// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/peer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	Long: `Serve answers three paths:

  /ping   replies {"pong": true}
  /echo   replies with the request body; streamed bodies are streamed back
  /ticks  streams {"tick": n} events; body {"count": n, "interval_ms": ms}`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics, err := peer.NewMetrics(reg)
	if err != nil {
		return err
	}

	mux := newEchoMux()
	server, err := peer.Listen(cfg.Listen,
		peer.WithServerTransport(cfg.Transport),
		peer.WithHandler(mux),
		peer.WithServerPeerOptions(peer.WithLogger(logger), peer.WithMetrics(metrics)),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	if cfg.Metrics.Enable {
		gateway, err := peer.NewJSONRPCHandler(mux)
		if err != nil {
			return err
		}
		httpMux := http.NewServeMux()
		httpMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpMux.Handle("/rpc", gateway)
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           httpMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", zap.Error(err))
			}
		}()
		defer httpServer.Close()
		logger.Info("serving metrics and json-rpc gateway", zap.String("addr", cfg.Metrics.Listen))
	}

	logger.Info("serving",
		zap.String("addr", server.Addr()),
		zap.String("transport", cfg.Transport),
	)
	return server.Serve(ctx)
}

type ticksArgs struct {
	Count      int `json:"count"`
	IntervalMS int `json:"interval_ms"`
}

func newEchoMux() *peer.ServeMux {
	mux := peer.NewServeMux()
	mux.HandleFunc("/ping", func(*peer.Request) (*peer.Response, error) {
		return &peer.Response{Body: map[string]any{"pong": true}}, nil
	})
	mux.HandleFunc("/echo", func(req *peer.Request) (*peer.Response, error) {
		return &peer.Response{Headers: req.Headers, Body: req.Body}, nil
	})
	mux.HandleFunc("/ticks", func(req *peer.Request) (*peer.Response, error) {
		args := ticksArgs{Count: 3, IntervalMS: 100}
		if err := peer.DecodeBody(req.Body, &args); err != nil {
			return nil, &peer.StatusError{Status: http.StatusBadRequest, Body: map[string]any{"message": err.Error()}}
		}
		return &peer.Response{Body: newTicker(args)}, nil
	})
	return mux
}

func newTicker(args ticksArgs) peer.EventIterator {
	n := 0
	interval := time.Duration(args.IntervalMS) * time.Millisecond
	return peer.NewFuncIterator(func(ctx context.Context) (peer.Event, error) {
		if n >= args.Count {
			return peer.Event{Value: map[string]any{"ticks": n}, Done: true}, nil
		}
		if n > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return peer.Event{}, context.Cause(ctx)
			}
		}
		n++
		return peer.Event{
			Value: map[string]any{"tick": n},
			Meta:  &peer.EventMeta{ID: strconv.Itoa(n)},
		}, nil
	}, nil)
}
