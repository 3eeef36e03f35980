// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestBus(t *testing.T, name string, m Medium, opts ...BusOption) *Bus {
	t.Helper()
	b, err := NewBus(name, m, append([]BusOption{WithBusLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collect records every envelope a bus accepts.
func collect(b *Bus) <-chan *BusEnvelope {
	ch := make(chan *BusEnvelope, 64)
	b.On(EventMessage, func(v any) { ch <- v.(*BusEnvelope) })
	return ch
}

func next(t *testing.T, ch <-chan *BusEnvelope) *BusEnvelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(testTimeout):
		t.Fatal("no bus envelope delivered")
		return nil
	}
}

func TestBusBroadcast(t *testing.T) {
	ctx := testContext(t)
	medium := NewLocalMedium()
	t.Cleanup(func() { _ = medium.Close() })

	root := newTestBus(t, "root", medium)
	a := newTestBus(t, "a", medium)
	b := newTestBus(t, "b", medium)

	rootMsgs, aMsgs, bMsgs := collect(root), collect(a), collect(b)
	aPings := make(chan any, 1)
	bPings := make(chan any, 1)
	a.On("ping", func(v any) { aPings <- v })
	b.On("ping", func(v any) { bPings <- v })

	require.NoError(t, root.Broadcast(ctx, "ping", map[string]any{"v": 1}))

	want := &BusEnvelope{Source: "root", Destination: Wildcard, Type: "ping", Data: map[string]any{"v": 1}}
	assert.Equal(t, want, next(t, aMsgs))
	assert.Equal(t, want, next(t, bMsgs))
	assert.Equal(t, want, next(t, rootMsgs), "the sender hears its own broadcast")
	assert.Equal(t, map[string]any{"v": 1}, <-aPings)
	assert.Equal(t, map[string]any{"v": 1}, <-bPings)
}

func TestBusDestinationFiltering(t *testing.T) {
	ctx := testContext(t)
	medium := NewLocalMedium()
	t.Cleanup(func() { _ = medium.Close() })

	root := newTestBus(t, "root", medium)
	a := newTestBus(t, "a", medium)
	b := newTestBus(t, "b", medium)
	aMsgs, bMsgs := collect(a), collect(b)

	// Nobody is called "nobody": no delivery and no error.
	require.NoError(t, root.Send(ctx, "nobody", "ping", nil))
	require.NoError(t, root.Send(ctx, "a", "direct", "for a"))
	require.NoError(t, root.Broadcast(ctx, "marker", nil))

	// Per-subscriber order is publish order, so the marker proves what
	// was skipped.
	got := next(t, aMsgs)
	assert.Equal(t, "direct", got.Type)
	assert.Equal(t, "for a", got.Data)
	assert.Equal(t, "marker", next(t, aMsgs).Type)
	assert.Equal(t, "marker", next(t, bMsgs).Type)
}

func TestBusReservedTypes(t *testing.T) {
	ctx := testContext(t)
	root := newTestBus(t, "root", NewLocalMedium())

	for _, typ := range []string{"", EventMessage, EventError} {
		assert.ErrorIs(t, root.Send(ctx, Wildcard, typ, nil), ErrInvalidArgument, "type %q", typ)
	}
	assert.ErrorIs(t, root.Send(ctx, "", "ping", nil), ErrInvalidArgument)
}

func TestNewBusValidation(t *testing.T) {
	medium := NewLocalMedium()
	for _, name := range []string{"", Wildcard} {
		_, err := NewBus(name, medium)
		assert.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}
	_, err := NewBus("x", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, medium.Close())
	_, err = NewBus("x", medium)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestBusClose(t *testing.T) {
	ctx := testContext(t)
	medium := NewLocalMedium()
	root := newTestBus(t, "root", medium)
	a := newTestBus(t, "a", medium)
	rootMsgs := collect(root)
	require.Equal(t, 2, medium.Subscribers())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, medium.Subscribers())
	assert.ErrorIs(t, a.Send(ctx, Wildcard, "ping", nil), ErrChannelClosed)

	// Other buses are unaffected.
	require.NoError(t, root.Broadcast(ctx, "still", nil))
	assert.Equal(t, "still", next(t, rootMsgs).Type)

	require.NoError(t, medium.Close())
	assert.ErrorIs(t, root.Broadcast(ctx, "gone", nil), ErrChannelClosed)
}

func TestBusPublishLimit(t *testing.T) {
	ctx := testContext(t)
	root := newTestBus(t, "root", NewLocalMedium(), WithPublishLimit(rate.Every(time.Hour), 1))

	require.NoError(t, root.Broadcast(ctx, "first", nil))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, root.Broadcast(short, "second", nil))
}

// stubMedium hands the test the bus's delivery function.
type stubMedium struct {
	deliver func(*BusEnvelope, error)
}

func (m *stubMedium) Publish(context.Context, *BusEnvelope) error { return nil }

func (m *stubMedium) Subscribe(deliver func(*BusEnvelope, error)) (Subscription, error) {
	m.deliver = deliver
	return stubSubscription{}, nil
}

type stubSubscription struct{}

func (stubSubscription) Unsubscribe() error { return nil }

func TestBusUndecodableFrame(t *testing.T) {
	m := &stubMedium{}
	b := newTestBus(t, "a", m)

	var got []any
	b.On(EventError, func(v any) { got = append(got, v) })
	b.On(EventMessage, func(v any) { t.Errorf("unexpected message %v", v) })

	m.deliver(nil, errors.New("garbled"))
	require.Len(t, got, 1)
	e, ok := got[0].(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEnvelope, e.Code)
}

func TestBusForeignReservedType(t *testing.T) {
	m := &stubMedium{}
	b := newTestBus(t, "a", m)

	var got []any
	b.On(EventMessage, func(v any) { got = append(got, v) })

	// Another publisher may not validate types; the data must not be
	// emitted a second time under the generic event.
	env := &BusEnvelope{Source: "x", Destination: "a", Type: EventMessage, Data: "d"}
	m.deliver(env, nil)
	assert.Equal(t, []any{env}, got)
}

func TestBusMetrics(t *testing.T) {
	ctx := testContext(t)
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	medium := NewLocalMedium()
	root := newTestBus(t, "root", medium, WithBusMetrics(m))
	a := newTestBus(t, "a", medium, WithBusMetrics(m))
	aMsgs := collect(a)

	require.NoError(t, root.Send(ctx, "a", "hi", nil))
	next(t, aMsgs)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.busMessages.WithLabelValues("root", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busMessages.WithLabelValues("a", "delivered")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.busMessages.WithLabelValues("root", "ignored")) == 1
	}, testTimeout, time.Millisecond)
}

func TestDecodeBusFrame(t *testing.T) {
	env, err := decodeBusFrame([]byte(`{"source":"root","destination":"all","type":"ping","data":{"v":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "root", env.Source)
	assert.Equal(t, Wildcard, env.Destination)
	assert.Equal(t, map[string]any{"v": float64(1)}, env.Data)

	_, err = decodeBusFrame([]byte(`{"type":"ping"}`))
	assert.Error(t, err)
	_, err = decodeBusFrame([]byte(`garbage`))
	assert.Error(t, err)
}

func TestNewNATSMedium(t *testing.T) {
	_, err := NewNATSMedium(nil)
	assert.Error(t, err)
}
