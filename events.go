// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"sync"
)

// Reserved event names.
const (
	EventMessage        = "message"
	EventUnhandledError = "unhandledError"
	EventClose          = "close"
	EventError          = "error"
)

// EventFunc receives an event value. What the value is depends on the event:
// *Envelope for "message" on an Endpoint, *BusEnvelope on a Bus, the
// payload for named events, *Error for "unhandledError" and "error".
type EventFunc func(v any)

// emitter is a name-keyed listener registry with no cap on subscribers.
type emitter struct {
	mu        sync.Mutex
	next      uint64
	listeners map[string]map[uint64]EventFunc
	order     map[string][]uint64
}

func newEmitter() *emitter {
	return &emitter{
		listeners: make(map[string]map[uint64]EventFunc),
		order:     make(map[string][]uint64),
	}
}

// on subscribes fn to event and returns a function removing it.
func (e *emitter) on(event string, fn EventFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[uint64]EventFunc)
	}
	e.listeners[event][id] = fn
	e.order[event] = append(e.order[event], id)

	var once sync.Once
	return func() {
		once.Do(func() { e.off(event, id) })
	}
}

func (e *emitter) off(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners[event], id)
	ids := e.order[event]
	for i, v := range ids {
		if v == id {
			e.order[event] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// emit calls the listeners of event in subscription order. Listeners run
// outside the lock and may subscribe or unsubscribe.
func (e *emitter) emit(event string, v any) int {
	e.mu.Lock()
	ids := e.order[event]
	fns := make([]EventFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[event][id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}
