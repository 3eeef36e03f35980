// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Listener hands out a Channel per accepted connection.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
	Addr() string
}

// DialOption configures Dial
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string
}

// WithCodec sets a custom envelope codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// ListenOption configures Listen
type ListenOption func(*listenOptions)

type listenOptions struct {
	codec     Codec
	transport string
}

// WithListenCodec sets a custom envelope codec for accepted channels
func WithListenCodec(c Codec) ListenOption {
	return func(o *listenOptions) { o.codec = c }
}

// WithListenTransport explicitly sets the transport type
func WithListenTransport(t string) ListenOption {
	return func(o *listenOptions) { o.transport = t }
}

// Dial opens a channel to addr using the default transport (stream).
func Dial(ctx context.Context, addr string, opts ...DialOption) (Channel, error) {
	o := &dialOptions{
		transport: DefaultTransport,
		codec:     defaultCodec,
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen accepts channels on addr using the default transport (stream).
func Listen(addr string, opts ...ListenOption) (Listener, error) {
	o := &listenOptions{
		transport: DefaultTransport,
		codec:     defaultCodec,
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.listen(addr, o)
}

func dialStream(ctx context.Context, addr string, o *dialOptions) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	return NewStreamChannel(conn, o.codec), nil
}

func listenStream(addr string, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{listener: listener, codec: o.codec}, nil
}

// dialWebSocket accepts a bare host:port as well as a ws:// URL.
func dialWebSocket(ctx context.Context, addr string, o *dialOptions) (Channel, error) {
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		addr = "ws://" + addr + "/"
	}
	return DialWebSocket(ctx, addr, o.codec)
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Channel, error) {
	return DialGRPC(ctx, addr, o.codec)
}

func listenGRPC(addr string, o *listenOptions) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewGRPCListener(listener, o.codec), nil
}
