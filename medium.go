// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"sync"
)

// Medium is a shared broadcast medium: every published envelope reaches
// every attached subscriber, the publisher included.
type Medium interface {
	Publish(ctx context.Context, env *BusEnvelope) error
	// Subscribe attaches deliver. Envelopes are delivered to one
	// subscriber in publish order, one at a time. A nil envelope with a
	// non-nil error reports a frame that could not be decoded.
	Subscribe(deliver func(env *BusEnvelope, err error)) (Subscription, error)
}

// Subscription detaches a subscriber from its Medium.
type Subscription interface {
	Unsubscribe() error
}

// LocalMedium is an in-process Medium.
type LocalMedium struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]*localSub
	closed bool
}

// NewLocalMedium creates an empty in-process medium.
func NewLocalMedium() *LocalMedium {
	return &LocalMedium{subs: make(map[uint64]*localSub)}
}

type localSub struct {
	id      uint64
	medium  *LocalMedium
	q       *queue[*BusEnvelope]
	deliver func(*BusEnvelope, error)
	once    sync.Once
}

func (m *LocalMedium) Publish(ctx context.Context, env *BusEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return channelClosed(nil)
	}
	for _, s := range m.subs {
		c := *env
		s.q.push(&c)
	}
	return nil
}

func (m *LocalMedium) Subscribe(deliver func(*BusEnvelope, error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, channelClosed(nil)
	}
	s := &localSub{
		id:      m.next,
		medium:  m,
		q:       newQueue[*BusEnvelope](),
		deliver: deliver,
	}
	m.next++
	m.subs[s.id] = s
	go s.run()
	return s, nil
}

// Close detaches every subscriber.
func (m *LocalMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		delete(m.subs, id)
		s.q.discard()
	}
	return nil
}

// Subscribers returns the number of attached subscribers.
func (m *LocalMedium) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (s *localSub) run() {
	for {
		env, ok := s.q.pop(context.Background())
		if !ok {
			return
		}
		s.deliver(env, nil)
	}
}

func (s *localSub) Unsubscribe() error {
	s.once.Do(func() {
		s.medium.mu.Lock()
		delete(s.medium.subs, s.id)
		s.medium.mu.Unlock()
		s.q.discard()
	})
	return nil
}
