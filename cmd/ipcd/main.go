// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command ipcd accepts channels on the configured transport and serves
// echo, ping and publish requests on each of them. Sessions share a bus:
// anything published reaches the addressed sessions as a "bus"
// notification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ipc"
	"github.com/luxfi/ipc/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ipcd version=%s commit=%s build_date=%s protocol=%s\n", version, commit, buildDate, ipc.ProtocolVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ipcd failed to load config: %v", err)
	}
	slog.SetDefault(cfg.Log.Logger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("ipcd starting", "transport", cfg.Transport, "addr", cfg.Addr)
	if err := run(ctx, cfg); err != nil {
		slog.Error("ipcd failed", "err", err)
		os.Exit(1)
	}
	slog.Info("ipcd stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	metrics, err := ipc.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	listener, err := ipc.Listen(cfg.Addr, ipc.WithListenTransport(cfg.Transport))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	d := &daemon{
		cfg:     cfg,
		metrics: metrics,
		medium:  ipc.NewLocalMedium(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		return d.accept(ctx, listener)
	})
	if cfg.MetricsAddr != "" {
		handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		g.Go(func() error {
			return serveHTTP(ctx, cfg.MetricsAddr, handler)
		})
	}
	if cfg.GatewayAddr != "" {
		gateway, err := d.gateway()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return serveHTTP(ctx, cfg.GatewayAddr, gateway)
		})
	}

	err = g.Wait()
	d.drain()
	_ = d.medium.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type daemon struct {
	cfg     config.Config
	metrics *ipc.Metrics
	medium  *ipc.LocalMedium

	mu       sync.Mutex
	next     int
	sessions map[*ipc.Endpoint]*ipc.Bus
	// clients are in-process endpoints calling into sessions, such as the
	// gateway's. They are drained before the sessions they call.
	clients []*ipc.Endpoint
}

func (d *daemon) accept(ctx context.Context, listener ipc.Listener) error {
	for {
		ch, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrChannelClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := d.session(ch); err != nil {
			slog.Error("session setup failed", "err", err)
			_ = ch.Close()
		}
	}
}

// session serves one channel and attaches it to the shared bus.
func (d *daemon) session(ch ipc.Channel) (*ipc.Endpoint, error) {
	d.mu.Lock()
	d.next++
	name := fmt.Sprintf("%s-%d", d.cfg.Name, d.next)
	d.mu.Unlock()

	opts := append(d.cfg.EndpointOptions(), ipc.WithMetrics(d.metrics))
	ep, err := ipc.NewEndpoint(name, ch, opts...)
	if err != nil {
		return nil, err
	}
	bus, err := ipc.NewBus(name, d.medium, ipc.WithBusMetrics(d.metrics))
	if err != nil {
		return nil, err
	}
	bus.On(ipc.EventMessage, func(v any) {
		env := v.(*ipc.BusEnvelope)
		if err := ep.Notify(context.Background(), "bus", env); err != nil {
			slog.Debug("bus relay failed", "session", name, "err", err)
		}
	})

	registerHandlers(ep, bus)
	ep.On(ipc.EventClose, func(any) {
		_ = bus.Close()
		d.mu.Lock()
		delete(d.sessions, ep)
		d.mu.Unlock()
		slog.Info("session closed", "session", name)
	})

	d.mu.Lock()
	if d.sessions == nil {
		d.sessions = make(map[*ipc.Endpoint]*ipc.Bus)
	}
	d.sessions[ep] = bus
	d.mu.Unlock()

	if err := ep.Listen(); err != nil {
		return nil, err
	}
	slog.Info("session opened", "session", name)
	return ep, nil
}

type publishArgs struct {
	Destination string `json:"destination"`
	Type        string `json:"type"`
	Data        any    `json:"data"`
}

func registerHandlers(ep *ipc.Endpoint, bus *ipc.Bus) {
	ep.Handle("echo", func(_ context.Context, payload any) (any, error) {
		return payload, nil
	})
	ep.Handle("ping", func(context.Context, any) (any, error) {
		return map[string]any{"pong": true, "name": ep.Name(), "time": time.Now().UTC()}, nil
	})
	ep.Handle("publish", ipc.Typed(func(ctx context.Context, args publishArgs) (any, error) {
		if args.Destination == "" {
			args.Destination = ipc.Wildcard
		}
		return nil, bus.Send(ctx, args.Destination, args.Type, args.Data)
	}))
	ep.On("log", func(payload any) {
		slog.Info("peer log", "session", ep.Name(), "payload", payload)
	})
	ep.On(ipc.EventUnhandledError, func(v any) {
		slog.Warn("peer rejected a message", "session", ep.Name(), "err", v)
	})
}

// gateway serves an in-process session over a pipe so HTTP callers reach
// the same handlers as channel peers.
func (d *daemon) gateway() (http.Handler, error) {
	local, remote := ipc.Pipe()
	if _, err := d.session(remote); err != nil {
		return nil, err
	}
	client, err := ipc.NewEndpoint(d.cfg.Name+"-gateway", local, ipc.WithMetrics(d.metrics))
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	d.mu.Lock()
	d.clients = append(d.clients, client)
	d.mu.Unlock()
	if err := client.Listen(); err != nil {
		return nil, err
	}
	return ipc.NewGateway(client)
}

// drain waits for in-flight requests, then closes every client and
// session.
func (d *daemon) drain() {
	d.mu.Lock()
	eps := append([]*ipc.Endpoint(nil), d.clients...)
	d.clients = nil
	for ep := range d.sessions {
		eps = append(eps, ep)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()
	for _, ep := range eps {
		if err := ep.KeepAlive().Wait(ctx); err != nil {
			slog.Warn("drain timed out", "session", ep.Name(), "in_flight", ep.KeepAlive().Count())
		}
		_ = ep.Close()
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
