// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler serves one request name. The returned value is sanitized and
// sent back as the response payload; a returned error reaches the caller
// as HandlerFailed with the error's text and code attached.
type Handler func(ctx context.Context, payload any) (any, error)

// State is the lifecycle state of an Endpoint.
type State int

const (
	StateCreated State = iota
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Endpoint is one end of an RPC channel. It sends requests and
// notifications, dispatches inbound requests to registered handlers and
// settles outbound requests when their responses arrive.
//
// Inbound requests and notifications are processed one at a time, in
// channel order. Responses are matched as soon as they are read, so a
// handler may itself call Send. Outbound requests may be in flight
// concurrently without limit.
type Endpoint struct {
	name string
	ch   Channel
	opts options
	log  *slog.Logger

	metrics    *Metrics
	correlator *Correlator
	keepAlive  *KeepAlive
	events     *emitter
	inbox      *queue[*Envelope]

	// ctx is handed to handlers and ends when the channel closes.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.Mutex
	state            State
	handlers         map[string]Handler
	handlingInFlight bool
	closeRequested   bool
	closeErr         error
}

// NewEndpoint wraps ch. The name identifies this end in logs and metrics
// and is required.
func NewEndpoint(name string, ch Channel, opts ...Option) (*Endpoint, error) {
	if name == "" {
		return nil, newError(CodeInvalidArgument, "ipc: endpoint name is required")
	}
	if ch == nil {
		return nil, newError(CodeInvalidArgument, "ipc: endpoint %q has no channel", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = unregisteredMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		name:       name,
		ch:         ch,
		opts:       o,
		log:        o.logger.With("endpoint", name),
		metrics:    o.metrics,
		correlator: NewCorrelator(o.settledMemory),
		events:     newEmitter(),
		inbox:      newQueue[*Envelope](),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		handlers:   make(map[string]Handler),
	}
	inFlight := o.metrics.inFlight.WithLabelValues(name)
	e.keepAlive = NewKeepAlive(o.keepAliveInterval, e.log, func(n int) {
		inFlight.Set(float64(n))
	})
	return e, nil
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the endpoint is closed, locally or by the peer.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// KeepAlive exposes the in-flight request token for host shutdown
// accounting.
func (e *Endpoint) KeepAlive() *KeepAlive { return e.keepAlive }

// Handle registers h for name, replacing any previous handler. It may be
// called at any time, including after Listen.
func (e *Endpoint) Handle(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// On subscribes fn to event: EventMessage, EventUnhandledError, EventClose
// or a notification name. The returned function unsubscribes.
func (e *Endpoint) On(event string, fn EventFunc) func() {
	return e.events.on(event, fn)
}

// Listen starts dispatching inbound envelopes.
func (e *Endpoint) Listen() error {
	e.mu.Lock()
	switch e.state {
	case StateCreated:
	case StateClosed:
		e.mu.Unlock()
		return channelClosed(nil)
	default:
		e.mu.Unlock()
		return ErrPortAlreadyListening
	}
	e.state = StateListening
	e.mu.Unlock()

	go e.readLoop()
	go e.dispatchLoop()
	e.log.Debug("endpoint listening")
	return nil
}

// Send issues a request and waits for its response, for the channel to
// close, or for ctx to end. Remote failures are returned as *Error.
func (e *Endpoint) Send(ctx context.Context, name string, payload any) (any, error) {
	if name == "" {
		return nil, newError(CodeInvalidArgument, "ipc: request name is required")
	}
	switch e.State() {
	case StateCreated:
		return nil, ErrSendBeforeListen
	case StateClosed:
		return nil, channelClosed(nil)
	}

	req := NewRequest(name, payload)
	pending, err := e.correlator.Register(req.CorrelationID)
	if err != nil {
		e.metrics.requestsSent.WithLabelValues(e.name, "closed").Inc()
		return nil, err
	}
	e.keepAlive.Ref()
	defer e.keepAlive.Unref()

	if err := e.ch.Send(ctx, req); err != nil {
		e.correlator.Forget(req.CorrelationID)
		e.metrics.requestsSent.WithLabelValues(e.name, "send_failed").Inc()
		return nil, fmt.Errorf("ipc: send %q: %w", name, err)
	}

	result, err := pending.Await(ctx)
	e.metrics.requestsSent.WithLabelValues(e.name, sendOutcome(err)).Inc()
	if err != nil {
		e.log.Debug("request failed", "name", name, "correlation_id", req.CorrelationID, "err", err)
		return nil, err
	}
	return result, nil
}

func sendOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	}
	return "remote_error"
}

// Notify sends a fire-and-forget notification. It never reports whether
// the peer handled it.
func (e *Endpoint) Notify(ctx context.Context, name string, payload any) error {
	if name == "" || isReservedEvent(name) {
		return newError(CodeInvalidArgument, "ipc: invalid notification name %q", name)
	}
	switch e.State() {
	case StateCreated:
		return ErrSendBeforeListen
	case StateClosed:
		return channelClosed(nil)
	}
	if err := e.ch.Send(ctx, NewNotification(name, payload)); err != nil {
		return fmt.Errorf("ipc: notify %q: %w", name, err)
	}
	e.metrics.notifications.WithLabelValues(e.name, "out").Inc()
	return nil
}

// Close closes the channel. If a request handler is running, closing is
// deferred until it has replied; the handler is never interrupted.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	switch e.state {
	case StateClosing:
		e.mu.Unlock()
		return nil
	case StateClosed:
		err := e.closeErr
		e.mu.Unlock()
		return err
	}
	if e.handlingInFlight {
		e.closeRequested = true
		e.state = StateClosing
		e.mu.Unlock()
		e.log.Debug("close deferred until handler completes")
		return nil
	}
	e.mu.Unlock()
	return e.shutdown(nil)
}

// shutdown moves to Closed and settles every pending request. cause is nil
// for a local close.
func (e *Endpoint) shutdown(cause error) error {
	e.mu.Lock()
	if e.state == StateClosed {
		err := e.closeErr
		e.mu.Unlock()
		return err
	}
	e.state = StateClosed
	e.closeErr = e.ch.Close()
	err := e.closeErr
	e.mu.Unlock()

	e.cancel()
	e.correlator.CloseAll(channelClosed(cause))
	e.inbox.close()
	close(e.done)

	if cause != nil {
		e.log.Debug("channel closed by peer", "cause", cause)
	} else {
		e.log.Debug("endpoint closed")
	}
	e.events.emit(EventClose, nil)
	return err
}

func (e *Endpoint) readLoop() {
	for {
		env, err := e.ch.Recv(e.ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidEnvelope) {
				e.sendUnhandled(err)
				continue
			}
			_ = e.shutdown(err)
			return
		}
		e.receive(env)
	}
}

// receive runs on the read loop. Responses are settled here; everything
// else is queued for the dispatcher.
func (e *Endpoint) receive(env *Envelope) {
	switch env.Kind {
	case KindResponse:
		if err := validateResponse(env); err != nil {
			e.sendUnhandled(err)
			return
		}
		switch e.correlator.Resolve(env) {
		case Unmatched:
			e.sendUnhandled(newError(CodeUnmatchedResponse, "ipc: no pending request %s for response %q", env.CorrelationID, env.Name))
			return
		case Late:
			e.log.Debug("dropped late response", "name", env.Name, "correlation_id", env.CorrelationID)
			return
		}
		e.inbox.push(env)
	case KindRequest, KindNotification, KindUnhandledError:
		e.inbox.push(env)
	default:
		e.sendUnhandled(newError(CodeUnknownKind, "ipc: unknown envelope kind %q", env.Kind))
	}
}

func (e *Endpoint) dispatchLoop() {
	for {
		env, ok := e.inbox.pop(context.Background())
		if !ok {
			return
		}
		e.dispatch(env)
	}
}

func (e *Endpoint) dispatch(env *Envelope) {
	switch env.Kind {
	case KindRequest:
		e.handleRequest(env)

	case KindResponse:
		e.events.emit(EventMessage, env)

	case KindNotification:
		if err := validateNotification(env); err != nil {
			e.sendUnhandled(err)
			return
		}
		e.metrics.notifications.WithLabelValues(e.name, "in").Inc()
		e.events.emit(EventMessage, env)
		if isReservedEvent(env.Name) {
			e.log.Warn("notification uses a reserved event name", "name", env.Name)
			return
		}
		e.events.emit(env.Name, env.Payload)

	case KindUnhandledError:
		// Never answered, so two peers disagreeing on the version cannot
		// bounce reports back and forth.
		if env.Version != ProtocolVersion {
			e.metrics.unhandled.WithLabelValues(e.name, "dropped").Inc()
			e.log.Warn("dropped unhandled error", "version", env.Version, "want", ProtocolVersion)
			return
		}
		err := env.Error.Err()
		if err == nil {
			err = newError(CodeInvalidEnvelope, "ipc: unhandled error without descriptor")
		}
		e.metrics.unhandled.WithLabelValues(e.name, "received").Inc()
		e.log.Warn("peer reported unhandled error", "code", err.Code, "err", err)
		e.events.emit(EventMessage, env)
		e.events.emit(EventUnhandledError, err)
	}
}

func (e *Endpoint) handleRequest(req *Envelope) {
	if err := validateRequest(req); err != nil {
		e.metrics.requestsHandled.WithLabelValues(e.name, "rejected").Inc()
		if err.Code == CodeMissingCorrelationID {
			e.sendUnhandled(err)
			return
		}
		e.reply(req, Describe(err), nil)
		return
	}

	e.mu.Lock()
	if e.state != StateListening {
		e.mu.Unlock()
		return
	}
	h := e.handlers[req.Name]
	e.handlingInFlight = true
	e.mu.Unlock()

	e.events.emit(EventMessage, req)

	var (
		result  any
		errDesc *ErrorDescriptor
		outcome = "ok"
	)
	if h == nil {
		if e.opts.throwOnMissingHandler {
			errDesc = Describe(newError(CodeHandlerNotFound, "ipc: handler %q not found", req.Name))
			outcome = "not_found"
		} else {
			outcome = "ignored"
		}
	} else {
		var err error
		result, err = e.invoke(h, req)
		if err != nil {
			errDesc = Describe(HandlerFailed(err))
			outcome = "failed"
			e.log.Debug("handler failed", "name", req.Name, "correlation_id", req.CorrelationID, "err", err)
		}
	}
	e.reply(req, errDesc, result)
	e.metrics.requestsHandled.WithLabelValues(e.name, outcome).Inc()

	e.mu.Lock()
	e.handlingInFlight = false
	deferred := e.closeRequested
	e.mu.Unlock()
	if deferred {
		_ = e.shutdown(nil)
	}
}

func (e *Endpoint) invoke(h Handler, req *Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(e.ctx, req.Payload)
}

// reply answers req. A result the channel cannot encode is replaced by a
// HandlerFailed response so the caller still settles.
func (e *Endpoint) reply(req *Envelope, errDesc *ErrorDescriptor, payload any) {
	err := e.ch.Send(context.Background(), NewResponse(req, errDesc, payload))
	if err != nil && errors.Is(err, ErrInvalidEnvelope) {
		e.log.Warn("reply not encodable", "name", req.Name, "correlation_id", req.CorrelationID, "err", err)
		err = e.ch.Send(context.Background(), NewResponse(req, Describe(HandlerFailed(err)), nil))
	}
	if err != nil {
		e.log.Debug("reply not delivered", "name", req.Name, "correlation_id", req.CorrelationID, "err", err)
	}
}

// sendUnhandled reports a message that could not be attributed.
func (e *Endpoint) sendUnhandled(err error) {
	e.metrics.unhandled.WithLabelValues(e.name, "sent").Inc()
	e.log.Warn("rejected inbound message", "err", err)
	if sendErr := e.ch.Send(context.Background(), NewUnhandledError(err)); sendErr != nil {
		e.log.Debug("unhandled error not delivered", "err", sendErr)
	}
}

func isReservedEvent(name string) bool {
	switch name {
	case EventMessage, EventUnhandledError, EventClose:
		return true
	}
	return false
}

// Call sends a request and decodes the response payload into T.
func Call[T any](ctx context.Context, e *Endpoint, name string, payload any) (T, error) {
	var out T
	result, err := e.Send(ctx, name, payload)
	if err != nil {
		return out, err
	}
	if err := Decode(result, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Typed adapts a function taking and returning concrete types to a
// Handler. The request payload is decoded into In.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, payload any) (any, error) {
		var in In
		if payload != nil {
			if err := Decode(payload, &in); err != nil {
				return nil, newError(CodeInvalidArgument, "ipc: %v", err)
			}
		}
		return fn(ctx, in)
	}
}
