// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Option configures an Endpoint
type Option func(*options)

type options struct {
	throwOnMissingHandler bool
	logger                *slog.Logger
	metrics               *Metrics
	keepAliveInterval     time.Duration
	settledMemory         int
}

func defaultOptions() options {
	return options{
		throwOnMissingHandler: true,
		keepAliveInterval:     DefaultKeepAliveInterval,
		settledMemory:         DefaultSettledMemory,
	}
}

// WithThrowOnMissingHandler controls the reply to a request nobody
// handles: a HandlerNotFound error (true, the default) or an empty success.
func WithThrowOnMissingHandler(throw bool) Option {
	return func(o *options) { o.throwOnMissingHandler = throw }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records endpoint activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithKeepAliveInterval sets the heartbeat period used while requests are
// in flight.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *options) { o.keepAliveInterval = d }
}

// WithSettledMemory sets how many settled correlation ids are remembered
// to recognise late responses.
func WithSettledMemory(n int) Option {
	return func(o *options) { o.settledMemory = n }
}

// BusOption configures a Bus
type BusOption func(*busOptions)

type busOptions struct {
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter
}

// WithBusLogger sets the bus logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) { o.logger = l }
}

// WithBusMetrics records bus activity in m.
func WithBusMetrics(m *Metrics) BusOption {
	return func(o *busOptions) { o.metrics = m }
}

// WithPublishLimit throttles Send to r envelopes per second with the given
// burst. Send waits for a token or for its context to end.
func WithPublishLimit(r rate.Limit, burst int) BusOption {
	return func(o *busOptions) {
		if r <= 0 || burst <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(r, burst)
	}
}
