// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Channel is an established, ordered, lossless, bidirectional envelope
// transport between exactly two ends. Recv reports an error matching
// ErrChannelClosed once either end has closed; envelopes that arrived
// before that are still delivered.
type Channel interface {
	Send(ctx context.Context, env *Envelope) error
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}

// Transport carries opaque frames. Frame transports are turned into a
// Channel with NewFrameChannel.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Codec encodes/decodes envelopes
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// NewFrameChannel adapts t to a Channel. A nil codec selects JSON.
func NewFrameChannel(t Transport, c Codec) Channel {
	if c == nil {
		c = defaultCodec
	}
	return &frameChannel{t: t, codec: c}
}

type frameChannel struct {
	t     Transport
	codec Codec
}

func (f *frameChannel) Send(ctx context.Context, env *Envelope) error {
	data, err := f.codec.Encode(env)
	if err != nil {
		return encodeFailed(err)
	}
	if err := f.t.Send(ctx, data); err != nil {
		return closedOr(err)
	}
	return nil
}

// Recv returns an ErrInvalidEnvelope error for frames that do not decode;
// the channel stays usable after it.
func (f *frameChannel) Recv(ctx context.Context) (*Envelope, error) {
	data, err := f.t.Recv(ctx)
	if err != nil {
		return nil, closedOr(err)
	}
	return f.codec.Decode(data)
}

func (f *frameChannel) Close() error {
	return f.t.Close()
}

// encodeFailed reports an envelope the codec rejected. Nothing was written,
// so the channel stays usable.
func encodeFailed(err error) error {
	if errors.Is(err, ErrInvalidEnvelope) {
		return err
	}
	return &Error{Code: CodeInvalidEnvelope, Message: fmt.Sprintf("ipc: encode envelope: %v", err), err: err}
}

// closedOr maps end-of-stream errors onto ErrChannelClosed.
func closedOr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrChannelClosed):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return channelClosed(err)
	}
	return err
}
