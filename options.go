// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"

	"go.uber.org/zap"
)

// SendFunc transmits one wire message. The transport behind it must
// deliver every call as one discrete message to the remote peer.
type SendFunc func(ctx context.Context, msg []byte) error

// PeerOption configures a ClientPeer or ServerPeer.
type PeerOption func(*peerOptions)

type peerOptions struct {
	logger  *zap.Logger
	metrics *Metrics
	ids     IDGenerator
}

func newPeerOptions(opts []PeerOption) *peerOptions {
	o := &peerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.ids == nil {
		o.ids = &SequentialIDs{}
	}
	return o
}

// WithLogger sets the logger used for dropped traffic and best-effort
// failures. The default discards everything.
func WithLogger(l *zap.Logger) PeerOption {
	return func(o *peerOptions) { o.logger = l }
}

// WithMetrics records traffic into m.
func WithMetrics(m *Metrics) PeerOption {
	return func(o *peerOptions) { o.metrics = m }
}

// WithIDGenerator replaces the per-peer sequential id counter.
// Only ClientPeer issues ids.
func WithIDGenerator(g IDGenerator) PeerOption {
	return func(o *peerOptions) { o.ids = g }
}
