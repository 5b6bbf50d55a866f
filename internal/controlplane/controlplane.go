// Package controlplane wires a Config into a running Registry, Router, and
// Health Monitor: the single construction path shared by cmd/fedserver and
// cmd/fedctl so both talk to an identically-built control plane.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/federation/internal/config"
	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/health"
	"github.com/haasonsaas/federation/internal/observability"
	"github.com/haasonsaas/federation/internal/registry"
	"github.com/haasonsaas/federation/internal/router"
	"github.com/haasonsaas/federation/internal/store"
)

// ControlPlane bundles the three cooperating components plus the shared
// event bus, logger, and metrics they publish through.
type ControlPlane struct {
	Config   *config.Config
	Bus      *events.Bus
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *registry.Registry
	Router   *router.Router
	Health   *health.Monitor

	affinitySub *events.Subscription
}

// New constructs every component from cfg but does not start the Health
// Monitor's tick loop or the Router's affinity sweep; call Start for that.
func New(ctx context.Context, cfg *config.Config) (*ControlPlane, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()
	bus := events.NewBus(nil)

	backing, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("controlplane: building store: %w", err)
	}

	reg, err := registry.NewRegistry(ctx, backing, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("controlplane: building registry: %w", err)
	}
	reg.SetMetrics(metrics)

	checkInterval, err := health.ParseCheckInterval(cfg.Health.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("controlplane: %w", err)
	}

	rt := router.NewRouter(reg, bus, logger, router.Config{
		DefaultStrategy:    fedtypes.RoutingStrategy(cfg.Router.DefaultStrategy),
		AffinityTTL:        cfg.Router.AffinityTTL,
		BackpressureWarn:   cfg.Router.BackpressureWarn,
		BackpressureReject: cfg.Router.BackpressureReject,
	})
	rt.SetMetrics(metrics)

	mon := health.NewMonitor(reg, bus, logger, health.Config{
		CheckInterval:   checkInterval,
		CheckTimeout:    cfg.Health.CheckTimeout,
		AutoRemoveAfter: cfg.Health.AutoRemoveAfter,
	})
	mon.SetMetrics(metrics)

	return &ControlPlane{
		Config:   cfg,
		Bus:      bus,
		Logger:   logger,
		Metrics:  metrics,
		Registry: reg,
		Router:   rt,
		Health:   mon,
	}, nil
}

// Start begins the Health Monitor's tick loop, the Router's affinity sweep,
// and the affinity-cleanup subscription that clears stickiness for
// unregistered instances.
func (cp *ControlPlane) Start(ctx context.Context) {
	cp.Health.Start(ctx)

	// Cleanup must run no more often than the affinity TTL itself (spec
	// §4.2.1), so an unset sweep interval falls back to the TTL rather than
	// to some short fixed period.
	sweepInterval := cp.Config.Router.AffinitySweep
	if sweepInterval <= 0 {
		sweepInterval = cp.Config.Router.AffinityTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	cp.Router.StartAffinitySweep(sweepInterval)
	cp.affinitySub = cp.Router.SubscribeAffinityCleanup()
}

// Stop halts the Health Monitor and Router background goroutines, in
// reverse order of Start.
func (cp *ControlPlane) Stop() {
	if cp.affinitySub != nil {
		cp.affinitySub.Unsubscribe()
	}
	cp.Router.StopAffinitySweep()
	cp.Health.Stop()
}

func newStore(cfg config.StoreConfig) (store.InstanceStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStoreFromDSN(cfg.DSN, store.DefaultPostgresConfig())
	default:
		return nil, fmt.Errorf("controlplane: unknown store driver %q", cfg.Driver)
	}
}
