package di

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openclearing/hubd/internal/cache"
	"github.com/openclearing/hubd/internal/config"
	"github.com/openclearing/hubd/internal/engine/clearing"
	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/engine/inject"
	"github.com/openclearing/hubd/internal/engine/payment"
	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/metrics"
	"github.com/openclearing/hubd/internal/orchestrator"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/rpc"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/storage/memstore"
	"github.com/openclearing/hubd/internal/storage/sqlstore"
)

// Provider configures and registers services in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a new service provider.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{
		container: container,
		config:    cfg,
	}
}

// RegisterAll registers all services.
func (p *Provider) RegisterAll() error {
	// Register config
	p.container.Register(ServiceConfig, p.config)

	// Register builders for lazy instantiation
	p.registerCoreBuilders()
	p.registerEngineBuilders()
	p.registerEventBuilders()
	p.registerRPCBuilders()

	return nil
}

// registerCoreBuilders registers logger, store and router builders.
func (p *Provider) registerCoreBuilders() {
	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (interface{}, error) {
		return storage.NewStdLogger(p.config.Node.Debug), nil
	})

	// Store builder. Standalone runs on the in-memory store regardless
	// of the database section; otherwise the driver decides.
	p.container.RegisterBuilder(ServiceStore, func(c *Container) (interface{}, error) {
		if p.config.Node.Standalone || p.config.Database.Driver == storage.DriverMemory {
			return memstore.New(), nil
		}
		logger := c.MustGet(ServiceLogger).(storage.Logger)
		st, err := sqlstore.New(p.config.Database, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	})

	p.container.RegisterBuilder(ServiceRouter, func(c *Container) (interface{}, error) {
		store := c.MustGet(ServiceStore).(storage.Store)
		return router.New(store, p.config.Router)
	})

	p.container.RegisterBuilder(ServicePatches, func(c *Container) (interface{}, error) {
		store := c.MustGet(ServiceStore).(storage.Store)
		return events.NewPatchBuilder(store), nil
	})

	p.container.RegisterBuilder(ServiceInvalidator, func(c *Container) (interface{}, error) {
		rt := c.MustGet(ServiceRouter).(*router.Router)
		patches := c.MustGet(ServicePatches).(*events.PatchBuilder)
		return cache.NewInvalidator(rt, patches), nil
	})
}

// registerEngineBuilders registers the payment, clearing, drift and
// inject engine builders.
func (p *Provider) registerEngineBuilders() {
	p.container.RegisterBuilder(ServiceHistory, func(c *Container) (interface{}, error) {
		return drift.NewHistory(), nil
	})

	p.container.RegisterBuilder(ServiceDrift, func(c *Container) (interface{}, error) {
		history := c.MustGet(ServiceHistory).(*drift.History)
		logger := c.MustGet(ServiceLogger).(storage.Logger)
		return drift.New(history, logger, p.config.Drift), nil
	})

	p.container.RegisterBuilder(ServiceInject, func(c *Container) (interface{}, error) {
		history := c.MustGet(ServiceHistory).(*drift.History)
		logger := c.MustGet(ServiceLogger).(storage.Logger)
		return inject.New(history, logger), nil
	})

	p.container.RegisterBuilder(ServicePayment, func(c *Container) (interface{}, error) {
		rt := c.MustGet(ServiceRouter).(*router.Router)
		patches := c.MustGet(ServicePatches).(*events.PatchBuilder)
		logger := c.MustGet(ServiceLogger).(storage.Logger)
		return payment.New(rt, patches, logger, p.config.Payment), nil
	})

	p.container.RegisterBuilder(ServiceClearing, func(c *Container) (interface{}, error) {
		store := c.MustGet(ServiceStore).(storage.Store)
		patches := c.MustGet(ServicePatches).(*events.PatchBuilder)
		dr := c.MustGet(ServiceDrift).(*drift.Engine)
		inv := c.MustGet(ServiceInvalidator).(*cache.Invalidator)
		logger := c.MustGet(ServiceLogger).(storage.Logger)
		return clearing.New(store, patches, dr, inv, logger, p.config.Clearing), nil
	})

	p.container.RegisterBuilder(ServiceScenario, func(c *Container) (interface{}, error) {
		if p.config.Node.ScenarioFile == "" {
			return (*inject.Scenario)(nil), nil
		}
		return inject.LoadScenario(p.config.Node.ScenarioFile)
	})
}

// registerEventBuilders registers the journal, bus and metrics builders.
func (p *Provider) registerEventBuilders() {
	// Journal builder. Standalone keeps the event journal in memory so
	// a scripted run leaves nothing on disk.
	p.container.RegisterBuilder(ServiceJournal, func(c *Container) (interface{}, error) {
		if p.config.Node.Standalone {
			return events.NewMemJournal(), nil
		}
		j, err := events.OpenPebbleJournal(p.config.Bus.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		return j, nil
	})

	p.container.RegisterBuilder(ServiceBus, func(c *Container) (interface{}, error) {
		journal := c.MustGet(ServiceJournal).(events.Journal)
		m := c.MustGet(ServiceMetrics).(*metrics.Metrics)
		bus := events.NewBus(journal, p.config.Bus.SubscriberBuffer)
		bus.OnDrop(m.BusDrops.Inc)
		return bus, nil
	})

	p.container.RegisterBuilder(ServiceRegistry, func(c *Container) (interface{}, error) {
		return prometheus.NewRegistry(), nil
	})

	p.container.RegisterBuilder(ServiceMetrics, func(c *Container) (interface{}, error) {
		reg := c.MustGet(ServiceRegistry).(*prometheus.Registry)
		return metrics.New(reg), nil
	})
}

// registerRPCBuilders registers the orchestrator and RPC service builders.
func (p *Provider) registerRPCBuilders() {
	p.container.RegisterBuilder(ServiceOrchestrator, func(c *Container) (interface{}, error) {
		deps := orchestrator.Deps{
			Store:       c.MustGet(ServiceStore).(storage.Store),
			Router:      c.MustGet(ServiceRouter).(*router.Router),
			Payments:    c.MustGet(ServicePayment).(*payment.Engine),
			Clearing:    c.MustGet(ServiceClearing).(*clearing.Engine),
			Drift:       c.MustGet(ServiceDrift).(*drift.Engine),
			Inject:      c.MustGet(ServiceInject).(*inject.Engine),
			Invalidator: c.MustGet(ServiceInvalidator).(*cache.Invalidator),
			Patches:     c.MustGet(ServicePatches).(*events.PatchBuilder),
			Bus:         c.MustGet(ServiceBus).(*events.Bus),
			Metrics:     c.MustGet(ServiceMetrics).(*metrics.Metrics),
			Logger:      c.MustGet(ServiceLogger).(storage.Logger),
			Scenario:    c.MustGet(ServiceScenario).(*inject.Scenario),
		}
		return orchestrator.New(deps, p.config.Tick), nil
	})

	p.container.RegisterBuilder(ServiceHandlers, func(c *Container) (interface{}, error) {
		return rpc.NewHandlers(
			c.MustGet(ServiceStore).(storage.Store),
			c.MustGet(ServiceOrchestrator).(*orchestrator.Orchestrator),
			c.MustGet(ServiceBus).(*events.Bus),
			c.MustGet(ServiceInject).(*inject.Engine),
			c.MustGet(ServiceInvalidator).(*cache.Invalidator),
			c.MustGet(ServicePatches).(*events.PatchBuilder),
			p.config.Server.RequestTimeout,
		), nil
	})

	p.container.RegisterBuilder(ServiceRPCServer, func(c *Container) (interface{}, error) {
		handlers := c.MustGet(ServiceHandlers).(*rpc.Handlers)
		registry := c.MustGet(ServiceRegistry).(*prometheus.Registry)
		return rpc.NewServer(p.config.Server, handlers, registry), nil
	})
}

// GetOrchestrator returns the orchestrator from the container.
func (p *Provider) GetOrchestrator() (*orchestrator.Orchestrator, error) {
	svc, err := p.container.Get(ServiceOrchestrator)
	if err != nil {
		return nil, err
	}
	return svc.(*orchestrator.Orchestrator), nil
}

// GetRPCServer returns the RPC server from the container.
func (p *Provider) GetRPCServer() (*rpc.Server, error) {
	svc, err := p.container.Get(ServiceRPCServer)
	if err != nil {
		return nil, err
	}
	return svc.(*rpc.Server), nil
}

// GetBus returns the event bus from the container.
func (p *Provider) GetBus() (*events.Bus, error) {
	svc, err := p.container.Get(ServiceBus)
	if err != nil {
		return nil, err
	}
	return svc.(*events.Bus), nil
}

// GetStore returns the store from the container.
func (p *Provider) GetStore() (storage.Store, error) {
	svc, err := p.container.Get(ServiceStore)
	if err != nil {
		return nil, err
	}
	return svc.(storage.Store), nil
}

// GetConfig returns the configuration from the container.
func (p *Provider) GetConfig() *config.Config {
	return p.config
}
