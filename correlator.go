// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSettledMemory is how many settled correlation ids a Correlator
// remembers to tell late responses apart from unmatched ones.
const DefaultSettledMemory = 4096

// ResolveResult reports what Resolve did with a response.
type ResolveResult int

const (
	// Resolved means a pending request was settled.
	Resolved ResolveResult = iota
	// Late means the id was already settled; the response was dropped.
	Late
	// Unmatched means the id was never issued by this side.
	Unmatched
)

func (r ResolveResult) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Late:
		return "late"
	case Unmatched:
		return "unmatched"
	}
	return fmt.Sprintf("ResolveResult(%d)", int(r))
}

type outcome struct {
	payload any
	err     error
}

// Correlator matches responses to pending requests by correlation id. Each
// pending request settles exactly once: by its response, or by CloseAll.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan outcome
	settled *lru.Cache[string, struct{}]
	closed  error
}

// NewCorrelator creates a correlator remembering up to settledMemory
// settled ids. Non-positive values select DefaultSettledMemory.
func NewCorrelator(settledMemory int) *Correlator {
	if settledMemory <= 0 {
		settledMemory = DefaultSettledMemory
	}
	settled, _ := lru.New[string, struct{}](settledMemory)
	return &Correlator{
		pending: make(map[string]chan outcome),
		settled: settled,
	}
}

// Pending is a registered request. Its outcome is buffered, so it can be
// collected after the response has already been resolved.
type Pending struct {
	id string
	c  *Correlator
	ch chan outcome
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// Register creates the pending entry for id. It must be called before the
// request is transmitted so the response cannot overtake it.
func (c *Correlator) Register(id string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	if _, ok := c.pending[id]; ok {
		return nil, newError(CodeInvalidArgument, "ipc: correlation id %s already pending", id)
	}
	ch := make(chan outcome, 1)
	c.pending[id] = ch
	return &Pending{id: id, c: c, ch: ch}, nil
}

// Await blocks until p settles or ctx ends. A caller that gives up stops
// waiting; its id is treated as settled.
func (p *Pending) Await(ctx context.Context) (any, error) {
	select {
	case o := <-p.ch:
		return o.payload, o.err
	case <-ctx.Done():
		p.c.Forget(p.id)
		// The response may have won the race while we were forgetting.
		select {
		case o := <-p.ch:
			return o.payload, o.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Resolve settles the request matching resp.
func (c *Correlator) Resolve(resp *Envelope) ResolveResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[resp.CorrelationID]
	if !ok {
		if c.settled.Contains(resp.CorrelationID) {
			return Late
		}
		return Unmatched
	}
	delete(c.pending, resp.CorrelationID)
	c.settled.Add(resp.CorrelationID, struct{}{})

	o := outcome{payload: resp.Payload}
	if resp.Error != nil {
		o = outcome{err: resp.Error.Err()}
	}
	ch <- o
	return Resolved
}

// Forget drops a pending entry without settling it.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.settled.Add(id, struct{}{})
	}
}

// CloseAll settles every pending request with err and makes later
// registrations fail with it. Only the first call has an effect.
func (c *Correlator) CloseAll(err error) {
	if err == nil {
		err = channelClosed(nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return
	}
	c.closed = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		c.settled.Add(id, struct{}{})
		ch <- outcome{err: err}
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
