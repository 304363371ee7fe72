// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package peer multiplexes many request/response exchanges over one
// message channel.
//
// A ClientPeer and a ServerPeer talk through any transport that keeps
// message boundaries. Each exchange is identified by a RequestID and may
// carry a streamed body (an EventIterator) in either direction, plus an
// out-of-band ABORT_SIGNAL that cancels it.
//
// # Wire format
//
// Every message is a JSON object, optionally followed by 0xFF and raw bytes
// when the body is binary:
//
//	{"i":"1","p":{"u":"/users/1","m":"GET"}}
//	{"i":"1","t":3,"p":{"e":"message","d":"hello"}}
//	{"i":"1","t":4}
//
// The "t" field is omitted for the default type of a direction: REQUEST
// from client to server, RESPONSE from server to client.
//
// # Transport Selection
//
// Three transports are built in:
//
//	tcp   # length-prefixed frames, default
//	ws    # one WebSocket message per wire message
//	grpc  # one bidirectional gRPC stream per connection
//
// # Usage
//
// Client usage:
//
//	client, err := peer.Dial(ctx, "localhost:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var result MyResponse
//	err = client.Call(ctx, "/users/get", &MyRequest{...}, &result)
//
//	// Streamed response
//	resp, err := client.Do(ctx, &peer.Request{URL: u})
//	it := resp.Body.(peer.EventIterator)
//
// Server usage:
//
//	mux := peer.NewServeMux()
//	mux.HandleFunc("/echo", func(req *peer.Request) (*peer.Response, error) {
//	    return &peer.Response{Body: req.Body}, nil
//	})
//
//	server, err := peer.Listen(":9000", peer.WithHandler(mux))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Serve(ctx)
//
// # Architecture
//
//   - message.go, body.go: wire codec and body normalization
//   - queue.go: per-id pullable and consumable queues
//   - eventiter.go, signal.go: stream and abort bridges
//   - client_peer.go, server_peer.go: the two protocol endpoints
//   - transport.go, frame.go, websocket.go, grpc.go: transports
//   - client.go, server.go, dial.go: runtime over a transport
//   - json.go: JSON-RPC gateway for unary calls
package peer
