package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Tyrowin/docrelay/internal/bus"
	"github.com/Tyrowin/docrelay/internal/crdt"
	"github.com/Tyrowin/docrelay/internal/metrics"
	"github.com/Tyrowin/docrelay/internal/relay"
	"github.com/Tyrowin/docrelay/internal/server"
)

const busConnectTimeout = 5 * time.Second

// newApp assembles the relay process from a loaded configuration.
func newApp(cfg server.Config, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newMetrics,
			newRegistry,
			newBus,
			newRelay,
			newServer,
		),
		fx.Invoke(registerServer),
		fx.WithLogger(newEventLogger),
	}
	return fx.New(append(opts, extra...)...)
}

func newLogger(cfg server.Config) *slog.Logger {
	return server.NewLogger(cfg.Env, os.Stdout).With("service", "docrelay")
}

// newEventLogger reports fx lifecycle events outside production.
func newEventLogger(cfg server.Config) fxevent.Logger {
	if cfg.Env == "production" {
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: zl}
}

func newMetrics() (*metrics.Metrics, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), reg
}

func newRegistry(cfg server.Config, m *metrics.Metrics, log *slog.Logger) *relay.Registry {
	return relay.NewRegistry(relay.Options{
		NewDocument: func(string) relay.Document {
			return crdt.NewDoc(0)
		},
		IdleTTL:            cfg.RoomIdleTTL,
		AwarenessCacheSize: cfg.AwarenessCacheSize,
		Metrics:            m,
		Logger:             log,
	})
}

// newBus connects to Redis when fanout is configured. It returns nil
// otherwise.
func newBus(lc fx.Lifecycle, cfg server.Config, m *metrics.Metrics, log *slog.Logger) (*bus.RedisBus, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), busConnectTimeout)
	defer cancel()
	b, err := bus.NewRedisBus(ctx, bus.Options{
		Addr:    cfg.Redis.Addr,
		DB:      cfg.Redis.DB,
		Prefix:  cfg.Redis.ChannelPrefix,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

func newRelay(cfg server.Config, registry *relay.Registry, b *bus.RedisBus, m *metrics.Metrics, log *slog.Logger) *relay.Relay {
	rcfg := relay.Config{
		StrictFraming:    cfg.StrictFraming,
		RebroadcastStep2: cfg.RebroadcastStep2,
		Metrics:          m,
		Logger:           log,
	}
	if b != nil {
		rcfg.Fanout = b
	}
	return relay.New(registry, rcfg)
}

func newServer(cfg server.Config, rl *relay.Relay, b *bus.RedisBus, m *metrics.Metrics, g prometheus.Gatherer, log *slog.Logger) *server.Server {
	return server.New(cfg, server.Deps{
		Relay:    rl,
		Bus:      b,
		Metrics:  m,
		Gatherer: g,
		Logger:   log,
	})
}

func registerServer(lc fx.Lifecycle, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Shutdown,
	})
}
