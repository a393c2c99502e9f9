// Package app assembles a nexq process from its configuration: the store,
// wake-up notifier, worker pools, scheduler, janitor, metrics and the admin
// HTTP server.
package app

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/config"
	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/handlers/builtin"
	"github.com/aatumaykin/nexq/internal/httpapi"
	"github.com/aatumaykin/nexq/internal/janitor"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/metrics"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/queue"
	"github.com/aatumaykin/nexq/internal/scheduler"
	"github.com/aatumaykin/nexq/internal/store"
	"github.com/aatumaykin/nexq/internal/workers"
)

// App represents one nexq process.
// It holds references to all major components and manages their lifecycle.
type App struct {
	// Configuration and core services
	config *config.Config
	logger *logger.Logger
	clock  clock.Clock

	// Persistence and wake-ups
	store    store.Store
	notifier notify.Notifier

	// Execution
	registry *handlers.Registry
	client   *queue.Client
	pools    []*workers.Pool

	// Background maintenance
	scheduler *scheduler.Scheduler
	janitor   *janitor.Janitor

	// Observability and admin surface
	registerer *prometheus.Registry
	metrics    *metrics.PrometheusMetrics
	http       *httpapi.Server

	// Context management
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	// Thread-safety
	mu      sync.Mutex
	started bool
}

// New creates an App with the builtin handlers registered. Components are
// created by Initialize, so handlers can be added through Registry first.
func New(cfg *config.Config, log *logger.Logger) *App {
	if log == nil {
		log = logger.Nop()
	}
	registry := handlers.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		log.Error("failed to register builtin handlers", err)
	}
	return &App{
		config:   cfg,
		logger:   log,
		clock:    clock.Real{},
		registry: registry,
	}
}

// Registry returns the handler registry shared by every pool.
func (a *App) Registry() *handlers.Registry {
	return a.registry
}

// Client returns the producer client. It is nil until Initialize succeeds.
func (a *App) Client() *queue.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Gatherer returns the Prometheus registry backing /metrics.
func (a *App) Gatherer() prometheus.Gatherer {
	return a.registerer
}

// Run starts the application and blocks until ctx is cancelled or a
// component fails. It performs the following steps:
//  1. Initializes all components via Initialize() unless already done
//  2. Runs pools, scheduler, janitor and HTTP server in one errgroup
//  3. Performs graceful shutdown via Shutdown()
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	if !started {
		if err := a.Initialize(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("Application is running",
		logger.Field{Key: "store", Value: a.config.Store.Driver},
		logger.Field{Key: "pools", Value: len(a.pools)},
		logger.Field{Key: "handlers", Value: a.registry.Types()})

	err := a.serve()

	if shutdownErr := a.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// serve blocks until the application context is done. The first component
// error cancels the others.
func (a *App) serve() error {
	a.running.Add(1)
	defer a.running.Done()

	g, ctx := errgroup.WithContext(a.ctx)
	for _, p := range a.pools {
		g.Go(func() error { return p.Run(ctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(ctx) })
	}
	if a.janitor != nil {
		g.Go(func() error { return a.janitor.Run(ctx) })
	}
	if a.http != nil {
		g.Go(func() error { return a.http.Run(ctx) })
	}
	return g.Wait()
}
