// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer lets a logger write while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestKeepAliveCount(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []int
	)
	k := NewKeepAlive(time.Hour, discardLogger(), func(n int) {
		mu.Lock()
		changes = append(changes, n)
		mu.Unlock()
	})

	k.Ref()
	k.Ref()
	assert.Equal(t, 2, k.Count())
	k.Unref()
	k.Unref()
	assert.Equal(t, 0, k.Count())

	// Extra releases never push the count below zero.
	k.Unref()
	assert.Equal(t, 0, k.Count())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1, 0}, changes)
}

func TestKeepAliveWait(t *testing.T) {
	k := NewKeepAlive(time.Hour, discardLogger(), nil)
	require.NoError(t, k.Wait(context.Background()))

	k.Ref()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, k.Wait(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		k.Unref()
	}()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, k.Wait(waitCtx))

	// Busy again after going idle.
	k.Ref()
	assert.ErrorIs(t, k.Wait(ctx), context.DeadlineExceeded)
	k.Unref()
}

func TestKeepAliveHeartbeat(t *testing.T) {
	var buf lockedBuffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	k := NewKeepAlive(time.Millisecond, log, nil)

	k.Ref()
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "requests in flight")
	}, 5*time.Second, 5*time.Millisecond)
	k.Unref()
}
