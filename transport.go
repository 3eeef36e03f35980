// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"sort"
)

// Transport types
const (
	TransportStream    = "stream"    // length-prefixed frames over TCP, default
	TransportWebSocket = "websocket" // one frame per WebSocket message
	TransportGRPC      = "grpc"      // gRPC bidirectional stream
)

// DefaultTransport is the default transport type (stream)
const DefaultTransport = TransportStream

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Channel, error)
type listenFunc func(addr string, o *listenOptions) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var transports = map[string]transportEntry{
	TransportStream:    {dialStream, listenStream},
	TransportWebSocket: {dialWebSocket, listenWebSocket},
	TransportGRPC:      {dialGRPC, listenGRPC},
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := transports[name]
	return ok
}

func lookupTransport(name string) (transportEntry, bool) {
	t, ok := transports[name]
	return t, ok
}
