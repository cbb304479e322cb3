// Package agentplane wires the request-plane components into one runnable
// unit: admission (weighted fair scheduler + quota), routing, dispatch,
// outcome feedback, the event bus, and the operator surface.
package agentplane

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/apis/admin"
	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/alerts"
	"github.com/agentplane/agentplane/core/requestplane/bus"
	"github.com/agentplane/agentplane/core/requestplane/dispatch"
	"github.com/agentplane/agentplane/core/requestplane/features"
	"github.com/agentplane/agentplane/core/requestplane/health"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
	"github.com/agentplane/agentplane/core/requestplane/outcome"
	"github.com/agentplane/agentplane/core/requestplane/quota"
	"github.com/agentplane/agentplane/core/requestplane/registry"
	"github.com/agentplane/agentplane/core/requestplane/router"
	"github.com/agentplane/agentplane/core/requestplane/scheduler"
)

// Version is reported on health responses and the startup banner
const Version = "0.1.0"

// AgentPlane owns every request-plane component and their lifecycles.
// Construct with New, then Start, then feed requests through Schedule.
type AgentPlane struct {
	config *requestplane.Config

	metrics *metrics.Collector

	regStore   *registry.Store
	registry   *registry.Registry
	replicator *registry.Replicator

	quotaStore *quota.Store
	quota      *quota.Engine

	featureStore *features.Store
	banditStore  *router.BanditStore
	router       *router.Router

	bus      *bus.Bus
	archiver *bus.Archiver

	recorder   *outcome.Recorder
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler

	checker  *health.Checker
	notifier *alerts.Notifier
	admin    *admin.API

	logger *log.Logger
}

// New builds the full component graph. The invoker is the caller's bridge to
// the actual tier backends; everything else is constructed from config.
func New(config *requestplane.Config, invoker dispatch.Invoker) (*AgentPlane, error) {
	if config == nil {
		config = &requestplane.Config{}
		config.ApplyDefaults()
	}
	if invoker == nil {
		return nil, fmt.Errorf("an invoker is required")
	}

	p := &AgentPlane{
		config:  config,
		metrics: metrics.NewCollector(prometheus.DefaultRegisterer),
		logger:  log.Default(),
	}

	dbPath := config.Registry.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(config.DataDir, "registry.db")
	}

	regStore, err := registry.OpenStore(dbPath, config.Registry.BindStatement)
	if err != nil {
		return nil, err
	}
	p.regStore = regStore

	if config.Registry.ReplicaURL != "" {
		p.replicator = registry.NewReplicator(dbPath, config.Registry.ReplicaURL)
	}

	p.registry, err = registry.New(config.Registry, regStore, p.metrics)
	if err != nil {
		p.regStore.Close()
		return nil, err
	}

	// The badger stores replay their value logs on open; do them in parallel
	var g errgroup.Group
	g.Go(func() error {
		var err error
		p.quotaStore, err = quota.NewStore(config.DataDir)
		return err
	})
	g.Go(func() error {
		var err error
		p.featureStore, err = features.NewStore(config.DataDir)
		return err
	})
	g.Go(func() error {
		var err error
		p.banditStore, err = router.NewBanditStore(config.DataDir)
		return err
	})
	g.Go(func() error {
		var err error
		p.bus, err = bus.New(config.Bus, config.DataDir, p.metrics)
		return err
	})
	if err := g.Wait(); err != nil {
		p.closeStores()
		return nil, err
	}

	p.quota = quota.NewEngine(config.Quota, p.quotaStore, p.bus, p.metrics)
	p.router = router.New(config.Router, p.featureStore, p.banditStore, p.bus, p.metrics)

	p.recorder, err = outcome.New(config.DataDir, p.banditStore, p.router.Bandit(), p.featureStore, p.bus)
	if err != nil {
		p.closeStores()
		return nil, err
	}

	p.dispatcher = dispatch.New(config.Dispatch, p.registry, p.quota,
		p.router, invoker, p.recorder, p.bus, p.metrics)

	p.scheduler = scheduler.New(config.Scheduler, config.Dispatch.Region,
		p.registry, p.quota, p.bus, p.metrics)
	p.scheduler.SetDispatch(p.dispatcher.Dispatch)
	p.scheduler.SetCredits(p.dispatcher)
	p.dispatcher.SetEscalator(p.scheduler)

	if config.Bus.Archive.Enabled {
		p.archiver, err = bus.NewArchiver(context.Background(), config.Bus.Archive, p.bus)
		if err != nil {
			p.closeStores()
			return nil, err
		}
	}

	p.checker = health.NewChecker(Version)
	p.registerHealthChecks()

	p.notifier = alerts.New(config.Alerts, p.bus)
	p.notifier.WatchBreaker("tenant-registry", p.registry.Breaker())

	p.admin, err = admin.New(config.Admin, p.bus, p.registry, p.regStore,
		p.router.Rules(), p.checker)
	if err != nil {
		p.closeStores()
		return nil, err
	}
	p.admin.RegisterStats("scheduler", p.scheduler)
	p.admin.RegisterStats("dispatcher", p.dispatcher)
	p.admin.RegisterStats("bus", p.bus)
	p.admin.RegisterStats("registry", p.registry)

	return p, nil
}

func (p *AgentPlane) registerHealthChecks() {
	p.checker.SetMetadata("region", p.config.Dispatch.Region)

	p.checker.Register("registry-db", p.regStore.Ping)
	p.checker.Register("quota-store", func(ctx context.Context) error {
		_, err := p.quota.Consumed("health-probe", "api_calls")
		return err
	})
	p.checker.Register("bandit-store", func(ctx context.Context) error {
		_, err := p.banditStore.GetArmStats(ctx, "health-probe", requestplane.TierA)
		return err
	})
	p.checker.Register("event-bus", func(ctx context.Context) error {
		_, err := p.bus.StreamLen(bus.KindAgentRun)
		return err
	})
	p.checker.RegisterBreaker("tenant-registry", p.registry.Breaker())
}

// Start brings the component graph up: replication and the bus first, then
// the quota engine and the dispatch stage, the scheduler last so nothing is
// selected before downstream can absorb it.
func (p *AgentPlane) Start(ctx context.Context) error {
	p.logger.Printf("[AgentPlane] Starting request plane v%s (region %s)",
		Version, p.config.Dispatch.Region)

	if p.replicator != nil {
		if err := p.replicator.Start(ctx); err != nil {
			return fmt.Errorf("failed to start registry replication: %w", err)
		}
	}

	if err := p.bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	p.quota.Start()
	p.dispatcher.Start()
	p.scheduler.Start()

	if p.archiver != nil {
		p.archiver.Start()
	}
	p.notifier.Start()
	p.admin.Start()

	return nil
}

// Stop tears the plane down in reverse: admission stops first so queued
// reservations are released, then dispatch drains, then the feedback and
// event stores flush and close.
func (p *AgentPlane) Stop() error {
	p.logger.Printf("[AgentPlane] Stopping request plane")

	if err := p.admin.Stop(); err != nil {
		p.logger.Printf("[AgentPlane] Admin shutdown: %v", err)
	}
	p.notifier.Stop()
	if p.archiver != nil {
		p.archiver.Stop()
	}

	p.scheduler.Stop()
	p.dispatcher.Stop()
	p.quota.Stop()

	if err := p.bus.Stop(); err != nil {
		p.logger.Printf("[AgentPlane] Bus shutdown: %v", err)
	}

	if p.replicator != nil {
		if err := p.replicator.Stop(); err != nil {
			p.logger.Printf("[AgentPlane] Replication shutdown: %v", err)
		}
	}

	p.closeStores()
	return nil
}

func (p *AgentPlane) closeStores() {
	if p.recorder != nil {
		p.recorder.Close()
	}
	if p.featureStore != nil {
		p.featureStore.Close()
	}
	if p.banditStore != nil {
		p.banditStore.Close()
	}
	if p.quotaStore != nil {
		p.quotaStore.Close()
	}
	if p.registry != nil {
		p.registry.Close()
	}
	if p.regStore != nil {
		p.regStore.Close()
	}
}

// Schedule admits a request into the plane
func (p *AgentPlane) Schedule(ctx context.Context, req *requestplane.Request) requestplane.ScheduleResult {
	return p.scheduler.Schedule(ctx, req)
}

// Cancel removes a still-queued request and releases its reservation
func (p *AgentPlane) Cancel(ctx context.Context, requestID string) bool {
	return p.scheduler.Cancel(ctx, requestID)
}

// Config returns the active configuration
func (p *AgentPlane) Config() *requestplane.Config { return p.config }

// Registry returns the tenant registry
func (p *AgentPlane) Registry() *registry.Registry { return p.registry }

// RegistryStore returns the authoritative tenant table
func (p *AgentPlane) RegistryStore() *registry.Store { return p.regStore }

// Bus returns the event bus
func (p *AgentPlane) Bus() *bus.Bus { return p.bus }

// Router returns the tier router
func (p *AgentPlane) Router() *router.Router { return p.router }

// Scheduler returns the weighted fair scheduler
func (p *AgentPlane) Scheduler() *scheduler.Scheduler { return p.scheduler }

// Quota returns the quota engine
func (p *AgentPlane) Quota() *quota.Engine { return p.quota }

// Health returns the aggregated health checker
func (p *AgentPlane) Health() *health.Checker { return p.checker }
