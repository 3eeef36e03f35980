// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject buses share when none is configured.
const DefaultNATSSubject = "ipc.bus"

// NATSMedium is a Medium backed by one NATS core subject. Every bus
// subscribed to the subject sees every envelope; destination filtering is
// done by the Bus.
type NATSMedium struct {
	nc      *nats.Conn
	subject string
}

// NATSOption configures a NATSMedium.
type NATSOption func(*NATSMedium)

// WithNATSSubject sets the shared subject.
func WithNATSSubject(subject string) NATSOption {
	return func(m *NATSMedium) { m.subject = subject }
}

// NewNATSMedium creates a medium on a connected nc.
func NewNATSMedium(nc *nats.Conn, opts ...NATSOption) (*NATSMedium, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	m := &NATSMedium{nc: nc, subject: DefaultNATSSubject}
	for _, opt := range opts {
		opt(m)
	}
	if m.subject == "" {
		return nil, errors.New("nats subject cannot be empty")
	}
	return m, nil
}

func (m *NATSMedium) Publish(ctx context.Context, env *BusEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode bus envelope: %w", err)
	}
	if err := m.nc.Publish(m.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return channelClosed(err)
		}
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe uses an asynchronous NATS subscription; NATS calls the
// handler of one subscription sequentially, preserving order.
func (m *NATSMedium) Subscribe(deliver func(*BusEnvelope, error)) (Subscription, error) {
	sub, err := m.nc.Subscribe(m.subject, func(msg *nats.Msg) {
		deliver(decodeBusFrame(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", m.subject, err)
	}
	return sub, nil
}

func decodeBusFrame(data []byte) (*BusEnvelope, error) {
	var env BusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode bus envelope: %w", err)
	}
	if env.Source == "" || env.Destination == "" {
		return nil, errors.New("decode bus envelope: missing source or destination")
	}
	return &env, nil
}
