// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import "context"

// Dial connects to a peer server using the selected transport (tcp by
// default).
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Client, error) {
	o := newDialOptions(opts)
	entry, err := lookupTransport(o.transport)
	if err != nil {
		return nil, err
	}
	t, err := entry.dial(ctx, addr, o)
	if err != nil {
		return nil, err
	}
	return newClient(t, o), nil
}

// Listen creates a server on addr using the selected transport (tcp by
// default). Call Serve to start accepting.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	o := newServerOptions(opts)
	entry, err := lookupTransport(o.transport)
	if err != nil {
		return nil, err
	}
	l, err := entry.listen(addr, o)
	if err != nil {
		return nil, err
	}
	return newServer(l, o), nil
}
