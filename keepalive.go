// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultKeepAliveInterval is the heartbeat period while requests are in
// flight.
const DefaultKeepAliveInterval = time.Second

// KeepAlive is a ref-counted "keep busy" token. Each outbound request holds
// one reference until it settles. Hosts use Wait to avoid shutting down
// while a reply is still expected. While the count is positive a dormant
// heartbeat ticks; it only reports the in-flight count.
type KeepAlive struct {
	mu       sync.Mutex
	count    int
	idle     chan struct{}
	stop     chan struct{}
	interval time.Duration
	log      *slog.Logger
	onChange func(int)
}

// NewKeepAlive creates an idle token. onChange, if set, observes every
// count change.
func NewKeepAlive(interval time.Duration, log *slog.Logger, onChange func(int)) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	if log == nil {
		log = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &KeepAlive{
		idle:     idle,
		interval: interval,
		log:      log,
		onChange: onChange,
	}
}

// Ref takes one reference.
func (k *KeepAlive) Ref() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.count++
	if k.count == 1 {
		k.idle = make(chan struct{})
		k.stop = make(chan struct{})
		go k.heartbeat(k.stop)
	}
	k.changed()
}

// Unref releases one reference. Extra releases are ignored; the count
// never goes negative.
func (k *KeepAlive) Unref() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.count == 0 {
		k.log.Warn("keepalive: unref without matching ref")
		return
	}
	k.count--
	if k.count == 0 {
		close(k.stop)
		close(k.idle)
	}
	k.changed()
}

// Count returns the number of held references.
func (k *KeepAlive) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.count
}

// Wait blocks until the count drops to zero or ctx ends.
func (k *KeepAlive) Wait(ctx context.Context) error {
	k.mu.Lock()
	idle := k.idle
	k.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KeepAlive) changed() {
	if k.onChange != nil {
		k.onChange(k.count)
	}
}

func (k *KeepAlive) heartbeat(stop <-chan struct{}) {
	t := time.NewTicker(k.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			k.log.Debug("keepalive: requests in flight", "count", k.Count())
		}
	}
}
