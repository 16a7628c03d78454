package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/docrelay/internal/bus"
	"github.com/Tyrowin/docrelay/internal/metrics"
	"github.com/Tyrowin/docrelay/internal/relay"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Relay *relay.Relay
	// Bus, when set, delivers frames published by other instances.
	Bus      *bus.RedisBus
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the relay over HTTP and websockets.
type Server struct {
	cfg      Config
	relay    *relay.Relay
	bus      *bus.RedisBus
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	http     *http.Server
	log      *slog.Logger

	mu     sync.Mutex
	addr   net.Addr
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds a Server from a sanitized configuration.
func New(cfg Config, deps Deps) *Server {
	if deps.Relay == nil {
		panic("server: relay is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		relay:    deps.Relay,
		bus:      deps.Bus,
		hub:      NewHub(log),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		log:      log,
	}
	s.upgrader = s.newUpgrader()
	s.http = CreateServer(cfg.Port, s.SetupRoutes())
	return s
}

// Hub returns the server's client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listen address and runs the hub, the HTTP server and the
// bus subscription in the background. It returns once the listener is bound
// and the subscription is active.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}

	var sub *bus.Subscription
	if s.bus != nil {
		sub, err = s.bus.Subscribe(ctx, s.relay.DeliverRemote)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.hub.Run()
		return nil
	})
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sub != nil {
		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.group = g
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("server listening", "addr", ln.Addr().String(), "fanout", s.bus != nil)
	return nil
}

// Shutdown stops accepting connections, closes every peer and waits for the
// pumps and background loops. Independent failures are combined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	g, cancel := s.group, s.cancel
	s.group, s.cancel = nil, nil
	s.mu.Unlock()
	if g == nil {
		return nil
	}

	s.log.Info("shutting down")

	var err error
	err = multierr.Append(err, ShutdownServer(ctx, s.http, s.cfg.ShutdownTimeout))
	err = multierr.Append(err, s.relay.Close())
	err = multierr.Append(err, s.hub.Shutdown(s.cfg.ShutdownTimeout))
	cancel()
	err = multierr.Append(err, g.Wait())

	if err != nil {
		s.log.Warn("shutdown completed with errors", "err", err)
		return err
	}
	s.log.Info("shutdown completed")
	return nil
}

// Run starts the server and blocks until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(context.Background())
}
