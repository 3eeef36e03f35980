// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ipc coordinates independently scheduled execution contexts that
// share no memory and talk only through a message channel.
//
// Two layers are provided:
//
//   - Endpoint: request/response RPC plus notifications over a
//     point-to-point Channel, with correlation ids, coded errors that
//     survive serialization, keep-alive accounting and graceful close.
//   - Bus: named participants on a shared broadcast Medium with
//     destination filtering and no correlation.
//
// # Usage
//
// Endpoint usage:
//
//	a, b := ipc.Pipe()
//
//	server, _ := ipc.NewEndpoint("worker", b)
//	server.Handle("echo", func(ctx context.Context, payload any) (any, error) {
//	    return payload, nil
//	})
//	server.Listen()
//
//	client, _ := ipc.NewEndpoint("main", a)
//	client.Listen()
//	defer client.Close()
//
//	result, err := client.Send(ctx, "echo", map[string]any{"x": 1})
//
// Bus usage:
//
//	medium := ipc.NewLocalMedium()
//	root, _ := ipc.NewBus("root", medium)
//	a, _ := ipc.NewBus("a", medium)
//	a.On("ping", func(data any) { ... })
//	root.Broadcast(ctx, "ping", map[string]any{"v": 1})
//
// # Wire format
//
// Every message is an Envelope:
//
//	{"kind":"request","version":"1.0.0","correlationId":"...","name":"echo","payload":{...}}
//	{"kind":"response","version":"1.0.0","correlationId":"...","name":"echo","payload":{...}}
//	{"kind":"notification","version":"1.0.0","name":"log","payload":{...}}
//	{"kind":"unhandled_error","version":"1.0.0","error":{"code":"...","message":"..."}}
//
// Envelopes with a version other than ProtocolVersion are rejected.
// Malformed or unattributable envelopes are answered with an
// unhandled_error envelope instead of failing application code.
//
// # Architecture
//
//   - envelope.go, sanitize.go: wire model and payload sanitizing
//   - correlator.go: pending request bookkeeping
//   - endpoint.go, keepalive.go: the RPC engine
//   - bus.go, medium.go, medium_nats.go: broadcast layer
//   - channel.go, pipe.go, stream.go, websocket.go, grpc.go: channels
//   - dial.go, transport.go: Dial and Listen by transport name
//   - gateway.go: HTTP JSON-RPC bridge onto an Endpoint
//
// Application code should only depend on Endpoint, Bus and the Channel
// interface, making transport selection a deployment decision rather than
// a code change.
package ipc
