package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/retry"
	"github.com/aatumaykin/nexq/internal/store"
)

// Deps are the collaborators shared by every pool of a process.
type Deps struct {
	Store    store.JobStore
	Registry *handlers.Registry
	Policy   *retry.Policy
	Clock    clock.Clock
	Logger   *logger.Logger
	Notifier notify.Notifier // optional
	Recorder Recorder        // optional
}

// Pool manages the slots of a single queue.
type Pool struct {
	cfg      Config
	store    store.JobStore
	registry *handlers.Registry
	policy   *retry.Policy
	clock    clock.Clock
	logger   *logger.Logger
	notifier notify.Notifier
	recorder Recorder

	wg     sync.WaitGroup
	ctx    context.Context // cancelled by Stop; gates claiming only
	cancel context.CancelFunc

	mu       sync.RWMutex
	metrics  PoolMetrics
	busy     int
	started  bool
	stopOnce sync.Once
}

// NewPool creates a pool for cfg.Queue. Call Start or Run to begin claiming.
func NewPool(cfg Config, deps Deps) *Pool {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Policy == nil {
		deps.Policy = retry.NewPolicy(retry.Config{})
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		policy:   deps.Policy,
		clock:    deps.Clock,
		logger:   deps.Logger.With(logger.Field{Key: "queue", Value: cfg.Queue}),
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the slots. It is a no-op on a started pool.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("starting worker pool",
		logger.Field{Key: "slots", Value: p.cfg.Concurrency},
		logger.Field{Key: "types", Value: p.cfg.Types})

	wake, unsubscribe := p.notifier.Subscribe(p.cfg.Queue)
	p.wg.Add(p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.slot(i, wake)
	}
	go func() {
		<-p.ctx.Done()
		unsubscribe()
	}()
}

// Stop stops claiming new jobs and waits until every in-flight execution has
// finished and its outcome has been recorded.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()

		m := p.Metrics()
		p.logger.Info("worker pool stopped",
			logger.Field{Key: "claimed", Value: m.Claimed},
			logger.Field{Key: "completed", Value: m.Completed},
			logger.Field{Key: "failed", Value: m.Failed})
	})
}

// Run starts the pool and blocks until ctx is done, then stops it gracefully.
func (p *Pool) Run(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	p.Stop()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Queue returns the queue this pool serves.
func (p *Pool) Queue() string {
	return p.cfg.Queue
}

// Concurrency returns the number of slots.
func (p *Pool) Concurrency() int {
	return p.cfg.Concurrency
}

// Busy returns the number of slots currently executing a job.
func (p *Pool) Busy() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.busy
}
