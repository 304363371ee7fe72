// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command rpcpeer serves and calls peer endpoints over tcp, ws or grpc.
package main

func main() {
	Execute()
}
