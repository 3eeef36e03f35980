// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory channels. Envelopes are copied on
// send, so the ends share no mutable state. Closing either end closes both;
// envelopes already sent are still delivered.
func Pipe() (Channel, Channel) {
	ab := newQueue[*Envelope]()
	ba := newQueue[*Envelope]()
	state := &pipeState{}
	return &pipeEnd{in: ba, out: ab, state: state}, &pipeEnd{in: ab, out: ba, state: state}
}

type pipeState struct {
	once sync.Once
}

type pipeEnd struct {
	in    *queue[*Envelope]
	out   *queue[*Envelope]
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env == nil {
		return ErrInvalidEnvelope
	}
	c := env.clone()
	c.Payload = Sanitize(c.Payload)
	if !p.out.push(c) {
		return channelClosed(nil)
	}
	return nil
}

func (p *pipeEnd) Recv(ctx context.Context) (*Envelope, error) {
	env, ok := p.in.pop(ctx)
	if ok {
		return env, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, channelClosed(nil)
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() {
		p.in.close()
		p.out.close()
	})
	return nil
}
