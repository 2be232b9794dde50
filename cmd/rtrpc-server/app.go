package main

import (
	"context"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/bus/localbus"
	"github.com/dermesser/rtrpc/bus/zmqbus"
	"github.com/dermesser/rtrpc/config"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
	"github.com/dermesser/rtrpc/rpc"
	"github.com/dermesser/rtrpc/server"
)

// newApp wires bus, rpc handler and server. Hooks run in that order on start
// and in reverse on stop.
func newApp(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Logger("fx")}
		}),
		fx.Supply(cfg),
		fx.Provide(
			newRegistry,
			newBus,
			newHandler,
			newDistributor,
			newServer,
		),
		fx.Invoke(func(*server.Server) {}),
		fx.Options(opts...),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newBus(lc fx.Lifecycle, cfg *config.Config) (bus.Bus, error) {
	var b bus.Bus

	switch cfg.Bus.Kind {
	case config.BusZmq:
		zc, err := cfg.ZmqConfig()
		if err != nil {
			return nil, errors.Trace(err)
		}
		zb, err := zmqbus.New(zc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		b = zb
	default:
		b = localbus.New()
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return b.Close() },
	})
	return b, nil
}

func newHandler(lc fx.Lifecycle, cfg *config.Config, b bus.Bus, reg *prometheus.Registry) (*rpc.Handler, error) {
	hc := cfg.HandlerConfig()
	hc.Registerer = reg

	h, err := rpc.NewHandler(hc, b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return h.Close() },
	})
	return h, nil
}

func newDistributor(h *rpc.Handler) (*server.Distributor, error) {
	d := server.NewDistributor()
	if err := d.RegisterForTopic(message.TopicRPC, h.Handle); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

func newServer(lc fx.Lifecycle, cfg *config.Config, d *server.Distributor, reg *prometheus.Registry) (*server.Server, error) {
	sc := cfg.ServerConfig()
	sc.Registerer = reg
	sc.Gatherer = reg

	srv, err := server.NewServer(sc, d)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return srv.Start() },
		OnStop:  func(ctx context.Context) error { return srv.Stop(ctx) },
	})
	return srv, nil
}
