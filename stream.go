// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// MaxFrameSize bounds a single stream frame.
const MaxFrameSize = 64 * 1024 * 1024 // 64MB

// StreamTransport frames messages on a byte stream as [4 len][payload].
type StreamTransport struct {
	rw      io.ReadWriteCloser
	writeMu sync.Mutex
	readMu  sync.Mutex
	header  [4]byte
	closed  atomic.Bool
}

// NewStreamTransport frames messages on rw.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rw: rw}
}

// NewStreamChannel returns a Channel carrying codec-encoded envelopes over
// rw. A nil codec selects JSON.
func NewStreamChannel(rw io.ReadWriteCloser, c Codec) Channel {
	return NewFrameChannel(NewStreamTransport(rw), c)
}

func (s *StreamTransport) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return channelClosed(nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("stream: frame of %d bytes exceeds %d", len(data), MaxFrameSize)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	s.writeMu.Lock()
	_, err := s.rw.Write(buf)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("stream write: %w", closedOr(err))
	}
	return nil
}

// Recv blocks until a full frame is read. Like any blocking read on a
// stream, it is unblocked by Close rather than by ctx.
func (s *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if _, err := io.ReadFull(s.rw, s.header[:]); err != nil {
		return nil, s.readErr(err)
	}
	msgLen := binary.BigEndian.Uint32(s.header[:])
	if msgLen > MaxFrameSize {
		_ = s.Close()
		return nil, channelClosed(fmt.Errorf("stream: frame of %d bytes exceeds %d", msgLen, MaxFrameSize))
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(s.rw, msg); err != nil {
		return nil, s.readErr(err)
	}
	return msg, nil
}

func (s *StreamTransport) readErr(err error) error {
	if s.closed.Load() {
		return channelClosed(err)
	}
	if err == io.ErrUnexpectedEOF {
		return channelClosed(err)
	}
	return closedOr(err)
}

// Close closes the underlying stream
func (s *StreamTransport) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rw.Close()
}

// streamListener accepts TCP connections as stream channels.
type streamListener struct {
	listener net.Listener
	codec    Codec
}

func (l *streamListener) Accept(ctx context.Context) (Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, closedOr(r.err)
		}
		return NewStreamChannel(r.conn, l.codec), nil
	}
}

func (l *streamListener) Close() error {
	return l.listener.Close()
}

func (l *streamListener) Addr() string {
	return l.listener.Addr().String()
}
