// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WebSocketTransport carries one frame per WebSocket text message.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWebSocketChannel returns a Channel over an established WebSocket
// connection. A nil codec selects JSON.
func NewWebSocketChannel(conn *websocket.Conn, c Codec) Channel {
	return NewFrameChannel(&WebSocketTransport{conn: conn}, c)
}

func (w *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	if w.closed.Load() {
		return channelClosed(nil)
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", wsErr(err))
	}
	return nil
}

func (w *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return nil, channelClosed(err)
			}
			return nil, wsErr(err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocketTransport) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// wsErr maps close frames and closed sockets onto ErrChannelClosed.
func wsErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return channelClosed(err)
	}
	return closedOr(err)
}

// DialWebSocket connects to a WebSocket URL (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, c Codec) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWebSocketChannel(conn, c), nil
}

// WebSocketHandler upgrades HTTP requests and hands each connection out as
// a Channel through Accept. It implements both http.Handler and Listener
// (without an address of its own).
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	codec    Codec
	accepted chan Channel
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketHandler creates a handler accepting connections from any
// origin; put it behind your own HTTP middleware to restrict that.
func NewWebSocketHandler(c Codec) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		codec:    c,
		accepted: make(chan Channel),
		done:     make(chan struct{}),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := NewWebSocketChannel(conn, h.codec)
	select {
	case h.accepted <- ch:
	case <-h.done:
		_ = ch.Close()
	case <-r.Context().Done():
		_ = ch.Close()
	}
}

// Accept waits for the next upgraded connection.
func (h *WebSocketHandler) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-h.accepted:
		return ch, nil
	case <-h.done:
		return nil, channelClosed(nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops handing out connections.
func (h *WebSocketHandler) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

// Addr is empty; the handler is mounted on a server it does not own.
func (h *WebSocketHandler) Addr() string { return "" }

// webSocketListener serves a WebSocketHandler on its own HTTP server.
type webSocketListener struct {
	*WebSocketHandler
	listener net.Listener
	server   *http.Server
}

func listenWebSocket(addr string, o *listenOptions) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := NewWebSocketHandler(o.codec)
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return &webSocketListener{WebSocketHandler: h, listener: ln, server: srv}, nil
}

func (l *webSocketListener) Close() error {
	_ = l.WebSocketHandler.Close()
	return l.server.Close()
}

func (l *webSocketListener) Addr() string {
	return l.listener.Addr().String()
}
