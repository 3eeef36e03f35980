// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ipc"
	"github.com/luxfi/ipc/internal/config"
)

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	m, err := ipc.NewMetrics(nil)
	require.NoError(t, err)
	d := &daemon{cfg: config.Default(), metrics: m, medium: ipc.NewLocalMedium()}
	t.Cleanup(func() {
		d.drain()
		_ = d.medium.Close()
	})
	return d
}

// connect opens a session on d and returns the peer end.
func connect(t *testing.T, d *daemon) *ipc.Endpoint {
	t.Helper()
	local, remote := ipc.Pipe()
	_, err := d.session(remote)
	require.NoError(t, err)
	peer, err := ipc.NewEndpoint("peer", local)
	require.NoError(t, err)
	require.NoError(t, peer.Listen())
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionHandlers(t *testing.T) {
	ctx := testContext(t)
	peer := connect(t, newTestDaemon(t))

	got, err := peer.Send(ctx, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	pong, err := peer.Send(ctx, "ping", nil)
	require.NoError(t, err)
	m, ok := pong.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["pong"])
	assert.Equal(t, "ipcd-1", m["name"])
	assert.IsType(t, "", m["time"])
}

func TestSessionPublish(t *testing.T) {
	ctx := testContext(t)
	d := newTestDaemon(t)
	alice := connect(t, d)
	bob := connect(t, d)

	got := make(chan any, 1)
	bob.On("bus", func(v any) { got <- v })

	_, err := alice.Send(ctx, "publish", map[string]any{
		"destination": "ipcd-2",
		"type":        "greet",
		"data":        "hi",
	})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, map[string]any{
			"source":      "ipcd-1",
			"destination": "ipcd-2",
			"type":        "greet",
			"data":        "hi",
		}, v)
	case <-ctx.Done():
		t.Fatal("bus message not relayed")
	}

	_, err = alice.Send(ctx, "publish", map[string]any{"type": "message"})
	require.ErrorIs(t, err, ipc.ErrHandlerFailed)
	var e *ipc.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(ipc.CodeInvalidArgument), e.CauseCode)
}

func TestDrainClosesSessions(t *testing.T) {
	d := newTestDaemon(t)
	peer := connect(t, d)

	d.drain()
	select {
	case <-peer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed by drain")
	}
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.sessions) == 0
	}, 5*time.Second, time.Millisecond)
}

func TestGatewaySession(t *testing.T) {
	ctx := testContext(t)
	d := newTestDaemon(t)
	h, err := d.gateway()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var out string
	require.NoError(t, ipc.CallGateway(ctx, srv.URL, "echo", "via http", &out))
	assert.Equal(t, "via http", out)

	d.mu.Lock()
	require.Len(t, d.clients, 1)
	client := d.clients[0]
	d.mu.Unlock()

	d.drain()
	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatal("gateway client not closed by drain")
	}
	assert.Equal(t, ipc.StateClosed, client.State())
	d.mu.Lock()
	assert.Empty(t, d.clients)
	d.mu.Unlock()
}
