package dependencies

import (
	"context"
	"log/slog"

	"NetDispatch/internal/config"
	"NetDispatch/internal/coordinator/dispatch"
	"NetDispatch/internal/coordinator/handlers"
	"NetDispatch/internal/coordinator/history"
	"NetDispatch/internal/coordinator/metrics"
	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/coordinator/registry"
	"NetDispatch/internal/shared/protocol"
)

// Container wires the coordinator: metrics sink first, then pool, registry,
// dispatcher, handlers. Everything is in-memory; Close broadcasts a drain
// frame to live agents and stops the reaper.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	Sink       *metrics.PrometheusSink
	Pool       *pool.Pool
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	History    *history.Ring
	Handlers   *handlers.Handlers

	cancelReaper context.CancelFunc
}

func NewContainer(cfg *config.Config, log *slog.Logger) *Container {
	if log == nil {
		log = slog.Default()
	}

	c := &Container{
		Config: cfg,
		Logger: log,
	}

	c.Sink = metrics.NewPrometheusSink()
	c.Pool = pool.New(cfg.Coordinator.Fairness, c.Sink, log.With("component", "pool"))
	c.History = history.NewRing(cfg.Coordinator.HistorySize)

	c.Registry = registry.New(c.Pool, registry.Config{
		MaxInFlight: cfg.Coordinator.MaxInFlightPerAgent,
	}, c.Sink, log.With("component", "registry"))

	c.Dispatcher = dispatch.New(c.Pool, c.Registry, c.History, dispatch.Config{
		MaxTotalInFlight: cfg.Coordinator.MaxTotalInFlight,
	}, c.Sink, log.With("component", "dispatcher"))

	c.Handlers = handlers.NewHandlers(
		c.Registry,
		c.Pool,
		c.Dispatcher,
		c.History,
		c.Sink.Handler(),
		log.With("component", "handlers"),
	)

	reaperCtx, cancel := context.WithCancel(context.Background())
	c.cancelReaper = cancel
	go c.Registry.Run(reaperCtx)

	log.Info("coordinator container initialized",
		"fairness", cfg.Coordinator.Fairness,
		"history_size", cfg.Coordinator.HistorySize,
	)

	return c
}

func (c *Container) Close() {
	// Ask agents to stop taking work before the sockets go away.
	c.Registry.Broadcast(&protocol.Drain{Type: protocol.TypeDrain})

	if c.cancelReaper != nil {
		c.cancelReaper()
	}
}
