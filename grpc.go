// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const grpcPipeMethod = "/ipc.Channel/Pipe"

// pipeServer is the service implemented by GRPCListener: one bidirectional
// stream per channel.
type pipeServer interface {
	pipe(stream grpc.ServerStream) error
}

var pipeServiceDesc = grpc.ServiceDesc{
	ServiceName: "ipc.Channel",
	HandlerType: (*pipeServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Pipe",
		Handler:       pipeHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "ipc/channel",
}

func pipeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(pipeServer).pipe(stream)
}

// frameCodec moves already-encoded frames through gRPC untouched.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("grpc frame codec: cannot marshal %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc frame codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (frameCodec) Name() string { return "ipc-frame" }

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcTransport carries one frame per stream message. Stream errors are
// terminal, so every receive error reports the channel closed.
type grpcTransport struct {
	stream  msgStream
	sendMu  sync.Mutex
	closed  chan struct{}
	once    sync.Once
	onClose func() error
}

func newGRPCTransport(stream msgStream, onClose func() error) *grpcTransport {
	return &grpcTransport{
		stream:  stream,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

func (g *grpcTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-g.closed:
		return channelClosed(nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.SendMsg(data); err != nil {
		return channelClosed(err)
	}
	return nil
}

func (g *grpcTransport) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	if err := g.stream.RecvMsg(&data); err != nil {
		return nil, channelClosed(err)
	}
	return data, nil
}

func (g *grpcTransport) Close() error {
	var err error
	g.once.Do(func() {
		close(g.closed)
		if g.onClose != nil {
			err = g.onClose()
		}
	})
	return err
}

// DialGRPC opens a channel stream to a GRPCListener at target. Without
// options the connection is insecure.
func DialGRPC(ctx context.Context, target string, c Codec, opts ...grpc.DialOption) (Channel, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives ctx; it ends when the channel is closed.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, &pipeServiceDesc.Streams[0], grpcPipeMethod,
		grpc.ForceCodec(frameCodec{}))
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("grpc open stream: %w", err)
	}

	t := newGRPCTransport(stream, func() error {
		_ = stream.CloseSend()
		cancel()
		return conn.Close()
	})
	return NewFrameChannel(t, c), nil
}

// GRPCListener serves the channel service and hands out one Channel per
// client stream.
type GRPCListener struct {
	server   *grpc.Server
	listener net.Listener
	codec    Codec
	accepted chan Channel
	done     chan struct{}
	once     sync.Once
}

// NewGRPCListener starts serving on lis.
func NewGRPCListener(lis net.Listener, c Codec, opts ...grpc.ServerOption) *GRPCListener {
	opts = append(opts, grpc.ForceServerCodec(frameCodec{}))
	l := &GRPCListener{
		server:   grpc.NewServer(opts...),
		listener: lis,
		codec:    c,
		accepted: make(chan Channel),
		done:     make(chan struct{}),
	}
	l.server.RegisterService(&pipeServiceDesc, l)
	go func() { _ = l.server.Serve(lis) }()
	return l
}

func (l *GRPCListener) pipe(stream grpc.ServerStream) error {
	t := newGRPCTransport(stream, nil)
	ch := NewFrameChannel(t, l.codec)
	select {
	case l.accepted <- ch:
	case <-l.done:
		return channelClosed(nil)
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	// Returning ends the stream, so hold it open until either side closes.
	select {
	case <-t.closed:
	case <-stream.Context().Done():
	}
	return nil
}

// Accept waits for the next client stream.
func (l *GRPCListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.done:
		return nil, channelClosed(nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the server and every open stream.
func (l *GRPCListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.server.Stop()
	})
	return nil
}

func (l *GRPCListener) Addr() string {
	return l.listener.Addr().String()
}
