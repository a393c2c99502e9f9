package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/config"
	"github.com/aatumaykin/nexq/internal/httpapi"
	"github.com/aatumaykin/nexq/internal/janitor"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/metrics"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/queue"
	"github.com/aatumaykin/nexq/internal/retry"
	"github.com/aatumaykin/nexq/internal/scheduler"
	"github.com/aatumaykin/nexq/internal/store"
	"github.com/aatumaykin/nexq/internal/store/memory"
	"github.com/aatumaykin/nexq/internal/store/postgres"
	"github.com/aatumaykin/nexq/internal/store/sqlite"
	"github.com/aatumaykin/nexq/internal/workers"
)

// Initialize initializes all application components.
// It opens the store and notifier, sets up metrics, and builds the client,
// one worker pool per configured queue, the scheduler, the janitor and the
// HTTP server according to the configuration.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("application already initialized")
	}
	cfg := a.config

	// 1. Open store
	st, err := OpenStore(ctx, cfg.Store, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// 2. Open notifier
	n, err := NewNotifier(ctx, cfg.Notify, a.logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewStatsCollector(metrics.DefaultNamespace, st, 0),
	)
	m := metrics.InitPrometheusMetrics(metrics.DefaultNamespace, reg)

	// 4. Shared collaborators
	cron := clock.NewEvaluator()
	policy := retry.NewPolicy(retryConfig(cfg.Retry))

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.store = st
	a.notifier = n
	a.registerer = reg
	a.metrics = m
	a.client = NewClient(cfg, st, n, a.clock, a.logger)

	// 5. Worker pools
	a.pools = a.pools[:0]
	for _, q := range cfg.Queues {
		name, err := job.NormalizeName("queue", q.Name)
		if err != nil {
			a.cancel()
			_ = a.closeResources()
			return fmt.Errorf("queue %q: %w", q.Name, err)
		}
		a.pools = append(a.pools, workers.NewPool(workers.Config{
			Queue:           name,
			Concurrency:     q.Concurrency,
			Types:           q.Types,
			DefaultTimeout:  q.DefaultTimeout.Duration,
			PollInterval:    q.PollInterval.Duration,
			MaxPollInterval: q.MaxPollInterval.Duration,
		}, workers.Deps{
			Store:    st,
			Registry: a.registry,
			Policy:   policy,
			Clock:    a.clock,
			Logger:   a.logger,
			Notifier: n,
			Recorder: m,
		}))
	}

	// 6. Scheduler if enabled
	a.scheduler = nil
	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(scheduler.Config{
			PollInterval:       cfg.Scheduler.PollInterval.Duration,
			DefaultMaxAttempts: cfg.Retry.MaxAttempts,
		}, scheduler.Deps{
			Store:    st,
			Cron:     cron,
			Clock:    a.clock,
			Logger:   a.logger,
			Notifier: n,
			Recorder: m,
		})
	}

	// 7. Janitor if enabled
	a.janitor = nil
	if cfg.Janitor.Enabled {
		a.janitor = janitor.New(janitor.Config{
			Interval:  cfg.Janitor.Interval.Duration,
			Grace:     cfg.Janitor.Grace.Duration,
			Retention: cfg.Janitor.Retention.Duration,
			Timeouts:  queueTimeouts(cfg.Queues),
		}, janitor.Deps{
			Store:    st,
			Policy:   policy,
			Clock:    a.clock,
			Logger:   a.logger,
			Recorder: m,
		})
	}

	// 8. HTTP server if enabled
	a.http = nil
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{
			Addr:            cfg.HTTP.Addr,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration,
		}, a.client, reg, a.logger)
	}

	// 9. Mark as started
	a.started = true
	return nil
}

// OpenStore opens the configured backend, retrying while it is unavailable.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (store.Store, error) {
	if log == nil {
		log = logger.Nop()
	}

	var st store.Store
	open := func() error {
		var err error
		switch cfg.Driver {
		case config.DriverMemory:
			st = memory.New()
		case config.DriverSQLite:
			if dir := filepath.Dir(cfg.Path); dir != "" {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("failed to create store directory: %w", err)
				}
			}
			st, err = sqlite.Open(ctx, cfg.Path, sqlite.Options{
				BusyTimeout: cfg.BusyTimeout.Duration,
				ReadConns:   int(cfg.MaxConns),
			})
		case config.DriverPostgres:
			st, err = postgres.Open(ctx, cfg.DSN, postgres.Options{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		default:
			err = fmt.Errorf("unsupported store driver: %s", cfg.Driver)
		}
		if err != nil {
			log.Warn("store open attempt failed",
				logger.Field{Key: "driver", Value: cfg.Driver},
				logger.Field{Key: "error", Value: err.Error()})
		}
		return err
	}

	retryable := func(err error) bool { return errors.Is(err, job.ErrStoreUnavailable) }
	if err := retry.Do(ctx, retry.Config{MaxAttempts: cfg.OpenAttempts}, retryable, open); err != nil {
		return nil, err
	}

	log.Info("store opened", logger.Field{Key: "driver", Value: cfg.Driver})
	return st, nil
}

// NewNotifier builds the wake-up transport.
func NewNotifier(ctx context.Context, cfg config.NotifyConfig, log *logger.Logger) (notify.Notifier, error) {
	switch cfg.Driver {
	case config.NotifyNone:
		return notify.Nop{}, nil
	case config.NotifyLocal, "":
		return notify.NewLocal(), nil
	case config.NotifyRedis:
		return notify.NewRedis(ctx, notify.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
}

// NewClient builds a producer client over an opened store.
func NewClient(cfg *config.Config, st store.Store, n notify.Notifier, clk clock.Clock, log *logger.Logger) *queue.Client {
	c := queue.Config{
		DefaultMaxAttempts: cfg.Retry.MaxAttempts,
		RetryBudget:        cfg.Retry.ManualRetryBudget,
		QueueTimeouts:      queueTimeouts(cfg.Queues),
	}
	if len(cfg.Queues) > 0 {
		c.DefaultQueue = cfg.Queues[0].Name
		c.DefaultTimeout = cfg.Queues[0].DefaultTimeout.Duration
	}
	return queue.New(c, queue.Deps{
		Store:    st,
		Clock:    clk,
		Notifier: n,
		Logger:   log,
	})
}

// queueTimeouts maps each configured queue to its default job timeout.
func queueTimeouts(queues []config.QueueConfig) map[string]time.Duration {
	out := make(map[string]time.Duration, len(queues))
	for _, q := range queues {
		name, err := job.NormalizeName("queue", q.Name)
		if err != nil || q.DefaultTimeout.Duration <= 0 {
			continue
		}
		out[name] = q.DefaultTimeout.Duration
	}
	return out
}

func retryConfig(c config.RetryConfig) retry.Config {
	jitter := c.Jitter
	if jitter == 0 {
		// NewPolicy reads zero as the default
		jitter = -1
	}
	return retry.Config{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Duration,
		MaxBackoff:     c.MaxBackoff.Duration,
		Jitter:         jitter,
	}
}
