// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Wildcard addresses every bus attached to a medium.
const Wildcard = "all"

// BusEnvelope is the unit published on a Medium.
type BusEnvelope struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        string `json:"type"`
	Data        any    `json:"data,omitempty"`
}

// Bus is a named participant on a shared Medium. It reacts to envelopes
// addressed to its name or to Wildcard and ignores the rest. There is no
// request/response correlation and no delivery guarantee.
type Bus struct {
	name    string
	medium  Medium
	sub     Subscription
	events  *emitter
	log     *slog.Logger
	metrics *Metrics
	opts    busOptions

	mu     sync.Mutex
	closed bool
}

// NewBus attaches a bus called name to medium.
func NewBus(name string, medium Medium, opts ...BusOption) (*Bus, error) {
	if name == "" {
		return nil, newError(CodeInvalidArgument, "ipc: bus name is required")
	}
	if name == Wildcard {
		return nil, newError(CodeInvalidArgument, "ipc: bus name %q is the wildcard", name)
	}
	if medium == nil {
		return nil, newError(CodeInvalidArgument, "ipc: bus %q has no medium", name)
	}
	var o busOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = unregisteredMetrics()
	}

	b := &Bus{
		name:    name,
		medium:  medium,
		events:  newEmitter(),
		log:     o.logger.With("bus", name),
		metrics: o.metrics,
		opts:    o,
	}
	sub, err := medium.Subscribe(b.receive)
	if err != nil {
		return nil, fmt.Errorf("ipc: attach bus %q: %w", name, err)
	}
	b.sub = sub
	return b, nil
}

// Name returns the bus identity.
func (b *Bus) Name() string { return b.name }

// On subscribes fn to EventMessage (receives *BusEnvelope), EventError
// (receives *Error) or an envelope type (receives the data).
func (b *Bus) On(event string, fn EventFunc) func() {
	return b.events.on(event, fn)
}

// Send publishes data under typ to destination, a bus name or Wildcard.
func (b *Bus) Send(ctx context.Context, destination, typ string, data any) error {
	if destination == "" {
		return newError(CodeInvalidArgument, "ipc: bus destination is required")
	}
	if isReservedBusType(typ) {
		return newError(CodeInvalidArgument, "ipc: bus type %q is reserved", typ)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return channelClosed(nil)
	}
	if b.opts.limiter != nil {
		if err := b.opts.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ipc: bus %q publish limit: %w", b.name, err)
		}
	}

	env := &BusEnvelope{
		Source:      b.name,
		Destination: destination,
		Type:        typ,
		Data:        Sanitize(data),
	}
	if err := b.medium.Publish(ctx, env); err != nil {
		return fmt.Errorf("ipc: bus %q publish: %w", b.name, err)
	}
	b.metrics.busMessages.WithLabelValues(b.name, "sent").Inc()
	return nil
}

// Broadcast sends to every attached bus.
func (b *Bus) Broadcast(ctx context.Context, typ string, data any) error {
	return b.Send(ctx, Wildcard, typ, data)
}

// Close detaches this bus. Other buses on the medium are unaffected.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.sub.Unsubscribe()
}

func (b *Bus) receive(env *BusEnvelope, err error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	if err != nil {
		b.log.Warn("undecodable bus frame", "err", err)
		e := &Error{Code: CodeInvalidEnvelope, Message: err.Error(), err: err}
		b.events.emit(EventError, e)
		return
	}
	if env.Destination != b.name && env.Destination != Wildcard {
		b.metrics.busMessages.WithLabelValues(b.name, "ignored").Inc()
		return
	}
	b.metrics.busMessages.WithLabelValues(b.name, "delivered").Inc()
	b.events.emit(EventMessage, env)
	if isReservedBusType(env.Type) {
		return
	}
	b.events.emit(env.Type, env.Data)
}

// isReservedBusType reports types that would collide with the generic
// "message" and "error" events.
func isReservedBusType(typ string) bool {
	switch typ {
	case "", EventMessage, EventError:
		return true
	}
	return false
}
