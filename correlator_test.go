// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func response(id string, payload any) *Envelope {
	return &Envelope{Kind: KindResponse, Version: ProtocolVersion, CorrelationID: id, Name: "test", Payload: payload}
}

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator(0)
	p, err := c.Register("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID())
	assert.Equal(t, 1, c.Len())

	// The response is resolved before anyone waits for it.
	assert.Equal(t, Resolved, c.Resolve(response("a", "x")))
	got, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", got)
	assert.Equal(t, 0, c.Len())

	// At most once: the second response is late, not a second settlement.
	assert.Equal(t, Late, c.Resolve(response("a", "y")))
	assert.Equal(t, Unmatched, c.Resolve(response("never", nil)))
}

func TestCorrelatorRemoteError(t *testing.T) {
	c := NewCorrelator(0)
	p, err := c.Register("a")
	require.NoError(t, err)

	resp := response("a", nil)
	resp.Error = Describe(newError(CodeHandlerNotFound, "missing"))
	require.Equal(t, Resolved, c.Resolve(resp))

	_, err = p.Await(context.Background())
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestCorrelatorDuplicateRegister(t *testing.T) {
	c := NewCorrelator(0)
	_, err := c.Register("a")
	require.NoError(t, err)
	_, err = c.Register("a")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCorrelatorCloseAll(t *testing.T) {
	const n = 10
	c := NewCorrelator(0)
	pending := make([]*Pending, n)
	for i := range n {
		p, err := c.Register(fmt.Sprint(i))
		require.NoError(t, err)
		pending[i] = p
	}

	var g errgroup.Group
	for _, p := range pending {
		g.Go(func() error {
			_, err := p.Await(context.Background())
			if !assert.ErrorIs(t, err, ErrChannelClosed) {
				return fmt.Errorf("request %s: %v", p.ID(), err)
			}
			return nil
		})
	}

	c.CloseAll(nil)
	c.CloseAll(nil)
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, c.Len())

	_, err := c.Register("late")
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, Late, c.Resolve(response("3", nil)))
}

func TestCorrelatorAbandoned(t *testing.T) {
	c := NewCorrelator(0)
	p, err := c.Register("a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())

	// The abandoned id is settled, so its response is late.
	assert.Equal(t, Late, c.Resolve(response("a", nil)))
}

func TestCorrelatorSettledMemory(t *testing.T) {
	c := NewCorrelator(1)
	_, err := c.Register("a")
	require.NoError(t, err)
	_, err = c.Register("b")
	require.NoError(t, err)
	require.Equal(t, Resolved, c.Resolve(response("a", nil)))
	require.Equal(t, Resolved, c.Resolve(response("b", nil)))

	assert.Equal(t, Unmatched, c.Resolve(response("a", nil)))
	assert.Equal(t, Late, c.Resolve(response("b", nil)))
}

func TestResolveResultString(t *testing.T) {
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "late", Late.String())
	assert.Equal(t, "unmatched", Unmatched.String())
	assert.Equal(t, "ResolveResult(9)", ResolveResult(9).String())
}
